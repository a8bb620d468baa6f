// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	gbam "github.com/grailbio/bam2fastq/encoding/bam"
	"github.com/grailbio/bam2fastq/encoding/bamprovider"
)

// Collection is an alignment collection with its index.
type Collection struct {
	BAM   string
	Index string
}

// Provider returns a provider that reads the collection.
func (c Collection) Provider(threads int) bamprovider.Provider {
	return bamprovider.NewProvider(c.BAM, bamprovider.ProviderOpts{Index: c.Index, Parallelism: threads})
}

// EnsureIndex returns the indexed collection of s. If supplied is true, the
// index must already exist. Otherwise it is computed from the BAM's contents
// and written under scratch; the input's own index, if any, is left alone.
func EnsureIndex(ctx context.Context, s Sample, supplied bool, scratch string, threads int) (Collection, error) {
	c := Collection{BAM: s.BAM, Index: s.IndexPath()}
	if err := requireInputs(ctx, c.BAM); err != nil {
		return c, err
	}
	if supplied {
		if _, err := file.Stat(ctx, c.Index); err != nil {
			return c, errors.E(errors.NotExist, err, fmt.Sprintf("sample %s: index supplied but", s.ID), c.Index)
		}
		return c, checkIndex(ctx, c)
	}
	c.Index = file.Join(scratch, filepath.Base(s.BAM)+".bai")
	n, err := WriteIndexFile(ctx, c.BAM, c.Index, threads)
	if err != nil {
		return c, err
	}
	log.Debug.Printf("%s: indexed %d records", c.BAM, n)
	return c, nil
}

// WriteIndexFile computes the index of bamPath and writes it to indexPath. It
// returns the number of records indexed.
func WriteIndexFile(ctx context.Context, bamPath, indexPath string, threads int) (n int64, err error) {
	in, err := file.Open(ctx, bamPath)
	if err != nil {
		return 0, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	out, err := file.Create(ctx, indexPath)
	if err != nil {
		return 0, err
	}
	defer file.CloseAndReport(ctx, out, &err)
	if n, err = gbam.WriteIndex(out.Writer(ctx), in.Reader(ctx), threads); err != nil {
		return n, errors.E(errors.Integrity, err, "index", bamPath)
	}
	return n, nil
}

// checkIndex verifies that the index of c was built for a file with c's
// header.
func checkIndex(ctx context.Context, c Collection) (err error) {
	p := c.Provider(1)
	defer func() {
		if e := p.Close(); e != nil && err == nil {
			err = e
		}
	}()
	header, err := p.GetHeader()
	if err != nil {
		return errors.E(errors.Integrity, err, "read header", c.BAM)
	}
	idx, err := readIndex(ctx, c.Index)
	if err != nil {
		return err
	}
	if err := idx.CheckHeader(header); err != nil {
		return errors.E(errors.Integrity, err, c.Index)
	}
	return nil
}

func readIndex(ctx context.Context, path string) (idx *gbam.Index, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	if idx, err = gbam.ReadIndex(in.Reader(ctx)); err != nil {
		return nil, errors.E(errors.Integrity, err, "read index", path)
	}
	return idx, nil
}
