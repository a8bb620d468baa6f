// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	gbam "github.com/grailbio/bam2fastq/encoding/bam"
)

// Sample is one input of a run.
type Sample struct {
	// ID identifies the sample. It is derived from the BAM file name and
	// stays unchanged through every stage; joins are keyed by it.
	ID string
	// BAM is the path of the input collection.
	BAM string
	// Index is the path of its index. Empty means BAM + ".bai".
	Index string
}

// IndexPath returns the path of the sample's index.
func (s Sample) IndexPath() string {
	if s.Index != "" {
		return s.Index
	}
	return s.BAM + ".bai"
}

// ParseSample parses an input argument of form "path.bam" or
// "path.bam,path.bai".
func ParseSample(arg string) (Sample, error) {
	parts := strings.Split(arg, ",")
	if len(parts) > 2 || parts[0] == "" {
		return Sample{}, errors.E(errors.Invalid, fmt.Sprintf("input %q: must be of form 'bam' or 'bam,bai'", arg))
	}
	s := Sample{BAM: parts[0]}
	if len(parts) == 2 {
		if parts[1] == "" {
			return Sample{}, errors.E(errors.Invalid, fmt.Sprintf("input %q: empty index path", arg))
		}
		s.Index = parts[1]
	}
	s.ID = strings.TrimSuffix(filepath.Base(s.BAM), ".bam")
	return s, nil
}

// ParseSamples parses the input arguments. Sample IDs must be unique.
func ParseSamples(args []string) ([]Sample, error) {
	if len(args) == 0 {
		return nil, errors.E(errors.Invalid, "no input BAM files")
	}
	var (
		samples []Sample
		seen    = map[string]string{}
	)
	for _, arg := range args {
		s, err := ParseSample(arg)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[s.ID]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("inputs %s and %s have the same sample name %s", prev, s.BAM, s.ID))
		}
		seen[s.ID] = s.BAM
		samples = append(samples, s)
	}
	return samples, nil
}

// CheckInputs verifies that every input BAM exists. A missing input is a
// configuration error.
func CheckInputs(ctx context.Context, samples []Sample) error {
	for _, s := range samples {
		if _, err := file.Stat(ctx, s.BAM); err != nil {
			return errors.E(errors.Invalid, err, fmt.Sprintf("sample %s: input", s.ID), s.BAM)
		}
	}
	return nil
}

// DerivedName returns the name of a sample restricted to regions. With no
// regions it is the sample ID. Otherwise the region tokens, with ':' replaced
// by '_', are appended: "s1" restricted to "chr1:1-100" is
// "s1.chr1_1-100".
func DerivedName(id string, regions []gbam.Region) string {
	if len(regions) == 0 {
		return id
	}
	tokens := make([]string, len(regions))
	for i, r := range regions {
		tokens[i] = strings.Replace(r.Token, ":", "_", -1)
	}
	return id + "." + strings.Join(tokens, "_")
}
