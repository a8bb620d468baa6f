// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	gbam "github.com/grailbio/bam2fastq/encoding/bam"
	"github.com/grailbio/bam2fastq/encoding/bamprovider"
	"github.com/grailbio/bam2fastq/encoding/fastq"
	"github.com/grailbio/hts/sam"
)

// ExtractOutputs names the gzip FASTQ files written by ExtractPaired.
type ExtractOutputs struct {
	Mate1, Mate2, Singleton string
}

// ExtractResult holds the checksums of the files written by ExtractPaired.
type ExtractResult struct {
	Mate1, Mate2, Singleton fastq.Checksum
}

// ExtractOpts configures the extractors.
type ExtractOpts struct {
	Collate CollateOpts
	// CompressionLevel is the gzip level of the outputs.
	CompressionLevel int
}

// fastqFile is a gzip FASTQ output that tracks the checksum of what it
// holds.
type fastqFile struct {
	path string
	out  file.File
	w    *fastq.GzipWriter
	sum  fastq.Checksum
}

func createFastq(ctx context.Context, path string, level int) (*fastqFile, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w, err := fastq.NewGzipWriter(out.Writer(ctx), level)
	if err != nil {
		out.Close(ctx) // nolint: errcheck
		return nil, errors.E(errors.Invalid, err, path)
	}
	return &fastqFile{path: path, out: out, w: w}, nil
}

func (f *fastqFile) write(r *fastq.Read) error {
	if err := f.w.Write(r); err != nil {
		return errors.E(err, "write", f.path)
	}
	f.sum.Add(r)
	return nil
}

func (f *fastqFile) close(ctx context.Context) error {
	var e errors.Once
	e.Set(f.w.Close())
	e.Set(f.out.Close(ctx))
	return e.Err()
}

// ExtractPaired converts the paired reads read by p to FASTQ. Reads are
// collated by name; within a name, the first read flagged as mate 1 and the
// first read flagged as mate 2 are written to the same position of the Mate1
// and Mate2 outputs, and every other read goes to the Singleton output.
func ExtractPaired(ctx context.Context, p bamprovider.Provider, outs ExtractOutputs, opts ExtractOpts) (res ExtractResult, err error) {
	var files [3]*fastqFile
	for i, path := range []string{outs.Mate1, outs.Mate2, outs.Singleton} {
		if files[i], err = createFastq(ctx, path, opts.CompressionLevel); err != nil {
			for _, f := range files[:i] {
				f.close(ctx) // nolint: errcheck
			}
			return res, err
		}
	}
	mate1, mate2, singleton := files[0], files[1], files[2]
	n, err := Collate(ctx, p, opts.Collate, func(group []Segment) error {
		first, second := -1, -1
		for i := range group {
			switch group[i].Flags & (sam.Read1 | sam.Read2) {
			case sam.Read1:
				if first < 0 {
					first = i
				}
			case sam.Read2:
				if second < 0 {
					second = i
				}
			}
		}
		if first >= 0 && second >= 0 {
			if err := mate1.write(&group[first].Read); err != nil {
				return err
			}
			if err := mate2.write(&group[second].Read); err != nil {
				return err
			}
		}
		for i := range group {
			if first >= 0 && second >= 0 && (i == first || i == second) {
				continue
			}
			if err := singleton.write(&group[i].Read); err != nil {
				return err
			}
		}
		return nil
	})
	var e errors.Once
	e.Set(err)
	for _, f := range files {
		e.Set(f.close(ctx))
	}
	if err := e.Err(); err != nil {
		return res, err
	}
	res = ExtractResult{Mate1: mate1.sum, Mate2: mate2.sum, Singleton: singleton.sum}
	log.Debug.Printf("extract: %d reads: %d pairs, %d singletons", n, res.Mate1.NReads, res.Singleton.NReads)
	return res, nil
}

// ExtractSingle converts every primary read of the collection read by p to
// FASTQ, in file order, and writes them to outPath.
func ExtractSingle(ctx context.Context, p bamprovider.Provider, outPath string, level int) (fastq.Checksum, error) {
	f, err := createFastq(ctx, outPath, level)
	if err != nil {
		return fastq.Checksum{}, err
	}
	var read fastq.Read
	err = scanAll(ctx, p, bamprovider.WholeFile(), func(rec *sam.Record) error {
		if !gbam.IsPrimary(rec) {
			return nil
		}
		if err := fastq.FromRecord(rec, &read); err != nil {
			return errors.E(errors.Integrity, err)
		}
		return f.write(&read)
	})
	var e errors.Once
	e.Set(err)
	e.Set(f.close(ctx))
	return f.sum, e.Err()
}
