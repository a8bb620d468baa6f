// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	gbam "github.com/grailbio/bam2fastq/encoding/bam"
	"github.com/grailbio/bam2fastq/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
)

// SplitResult describes the output of SplitCategories.
type SplitResult struct {
	// Paths maps each extractable category to its collection.
	Paths map[gbam.Category]string
	// Counts maps each category, Excluded included, to its record count.
	Counts map[gbam.Category]int64
	// Unpaired is the number of excluded records that lack the paired flag.
	Unpaired int64
}

// CategoryPath returns the path of the collection of category c for the
// sample named name under dir.
func CategoryPath(dir, name string, c gbam.Category) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.bam", name, c))
}

// SplitCategories partitions the records of in by pairing category in a
// single pass. Each of the four extractable categories is written to
// CategoryPath(dir, name, category), which is a valid BAM file even when it
// holds no record. Excluded records are counted and dropped.
func SplitCategories(ctx context.Context, in Collection, dir, name string, threads int) (res SplitResult, err error) {
	res = SplitResult{
		Paths:  map[gbam.Category]string{},
		Counts: map[gbam.Category]int64{},
	}
	if err := requireInputs(ctx, in.BAM); err != nil {
		return res, err
	}
	p := in.Provider(threads)
	defer func() {
		if e := p.Close(); e != nil && err == nil {
			err = e
		}
	}()
	header, err := p.GetHeader()
	if err != nil {
		return res, errors.E(errors.Integrity, err, "read header", in.BAM)
	}
	writers := map[gbam.Category]*bamWriter{}
	closeAll := func() error {
		var e errors.Once
		for _, w := range writers {
			e.Set(w.Close(ctx))
		}
		return e.Err()
	}
	for _, c := range gbam.Categories {
		path := CategoryPath(dir, name, c)
		w, err := createBAM(ctx, path, header, threads)
		if err != nil {
			closeAll() // nolint: errcheck
			return res, err
		}
		writers[c] = w
		res.Paths[c] = path
	}
	err = scanAll(ctx, p, bamprovider.WholeFile(), func(rec *sam.Record) error {
		c := gbam.Classify(rec)
		res.Counts[c]++
		if c == gbam.Excluded {
			if !gbam.IsPaired(rec) {
				res.Unpaired++
			}
			return nil
		}
		return writers[c].Write(rec)
	})
	if err != nil {
		closeAll() // nolint: errcheck
		return res, err
	}
	if err := closeAll(); err != nil {
		return res, err
	}
	if res.Unpaired > 0 {
		log.Error.Printf("%s: %d unpaired records in a paired sample were not extracted", in.BAM, res.Unpaired)
	}
	log.Debug.Printf("%s: split %v", in.BAM, res.Counts)
	return res, nil
}
