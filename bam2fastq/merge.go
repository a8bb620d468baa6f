// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bam2fastq/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
)

// MergeUnmapped concatenates the records of inputs into one BAM file at
// outPath with the given header, in argument order. Inputs that do not exist
// contribute nothing. It returns the number of records written.
func MergeUnmapped(ctx context.Context, inputs []string, outPath string, header *sam.Header, threads int) (n int64, err error) {
	w, err := createBAM(ctx, outPath, header, threads)
	if err != nil {
		return 0, err
	}
	defer func() {
		if e := w.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	for _, path := range inputs {
		if _, err := file.Stat(ctx, path); err != nil {
			if errors.Is(errors.NotExist, err) {
				log.Debug.Printf("merge %s: skipping absent input %s", outPath, path)
				continue
			}
			return w.n, err
		}
		p := bamprovider.NewProvider(path, bamprovider.ProviderOpts{Parallelism: threads})
		err := scanAll(ctx, p, bamprovider.WholeFile(), w.Write)
		if e := p.Close(); e != nil && err == nil {
			err = e
		}
		if err != nil {
			return w.n, errors.E(err, "merge", path)
		}
	}
	return w.n, nil
}
