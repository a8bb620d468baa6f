// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bam2fastq/encoding/bamprovider"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
)

// bamWriter writes records to a BAM file. The file is valid, header and EOF
// marker included, even if no record is written.
type bamWriter struct {
	path string
	out  file.File
	w    *bam.Writer
	n    int64
}

func createBAM(ctx context.Context, path string, header *sam.Header, threads int) (*bamWriter, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w, err := bam.NewWriter(out.Writer(ctx), header, threads)
	if err != nil {
		out.Close(ctx) // nolint: errcheck
		return nil, errors.E(err, "create bam", path)
	}
	return &bamWriter{path: path, out: out, w: w}, nil
}

func (w *bamWriter) Write(rec *sam.Record) error {
	if err := w.w.Write(rec); err != nil {
		return errors.E(err, "write", w.path)
	}
	w.n++
	return nil
}

// Close flushes the BAM writer and closes the file.
func (w *bamWriter) Close(ctx context.Context) error {
	var e errors.Once
	e.Set(w.w.Close())
	e.Set(w.out.Close(ctx))
	return e.Err()
}

// scanAll calls fn for every record of the shard, in file order. The record
// passed to fn is valid only until fn returns.
func scanAll(ctx context.Context, p bamprovider.Provider, shard bamprovider.Shard, fn func(*sam.Record) error) error {
	it := p.NewIterator(shard)
	var n int
	for it.Scan() {
		rec := it.Record()
		if err := fn(rec); err != nil {
			it.Close() // nolint: errcheck
			return err
		}
		if n++; n%65536 == 0 && ctx.Err() != nil {
			it.Close() // nolint: errcheck
			return errors.E(errors.Canceled, ctx.Err())
		}
	}
	return it.Close()
}
