// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	gbam "github.com/grailbio/bam2fastq/encoding/bam"
	"github.com/grailbio/bam2fastq/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
)

// FilterRegions writes to outPath the records of in that overlap any of the
// regions, in input order and each at most once, and indexes the result. It
// returns the new collection and the number of records written.
//
// A region naming a contig absent from the input's header is an error of kind
// errors.NotExist.
func FilterRegions(ctx context.Context, in Collection, regions []gbam.Region, outPath string, threads int) (_ Collection, n int64, err error) {
	out := Collection{BAM: outPath, Index: outPath + ".bai"}
	if err := requireInputs(ctx, in.BAM, in.Index); err != nil {
		return out, 0, err
	}
	p := in.Provider(threads)
	defer func() {
		if e := p.Close(); e != nil && err == nil {
			err = e
		}
	}()
	header, err := p.GetHeader()
	if err != nil {
		return out, 0, errors.E(errors.Integrity, err, "read header", in.BAM)
	}
	resolved, err := gbam.ResolveRegions(header, regions)
	if err != nil {
		if _, ok := err.(*gbam.UnknownContigError); ok {
			return out, 0, errors.E(errors.NotExist, err, in.BAM)
		}
		return out, 0, errors.E(errors.Invalid, err, in.BAM)
	}
	w, err := createBAM(ctx, outPath, header, threads)
	if err != nil {
		return out, 0, err
	}
	for k, r := range resolved {
		var prev *gbam.ResolvedRegion
		if k > 0 {
			prev = &resolved[k-1]
		}
		err = scanAll(ctx, p, bamprovider.RegionShard(r), func(rec *sam.Record) error {
			// A record spanning two regions was written with the first.
			if prev != nil && prev.Overlaps(rec) {
				return nil
			}
			return w.Write(rec)
		})
		if err != nil {
			w.Close(ctx) // nolint: errcheck
			return out, 0, errors.E(err, fmt.Sprintf("region %v", r))
		}
		log.Debug.Printf("%s: region %v (%s): %d records so far", in.BAM, r, r.Token, w.n)
	}
	if err := w.Close(ctx); err != nil {
		return out, 0, err
	}
	if _, err := WriteIndexFile(ctx, out.BAM, out.Index, threads); err != nil {
		return out, 0, err
	}
	return out, w.n, nil
}
