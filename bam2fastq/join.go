// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bam2fastq/encoding/fastq"
)

// Source identifies a producer of read sets for the join.
type Source int

const (
	// MappedSource is the extraction of BothMapped reads.
	MappedSource Source = iota
	// UnmappedSource is the extraction of the merged unmapped categories.
	UnmappedSource
)

func (s Source) String() string {
	switch s {
	case MappedSource:
		return "mapped"
	case UnmappedSource:
		return "unmapped"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// ReadSet is the FASTQ output of one producer.
type ReadSet struct {
	ExtractOutputs
	Sums ExtractResult
}

type joinEntry struct {
	expected []Source
	sets     map[Source]*ReadSet
	done     map[Source]bool
}

// JoinTable tracks, per sample, which producers have finished. Entries are
// keyed by the original sample ID. Thread safe.
type JoinTable struct {
	mu      sync.Mutex
	entries map[string]*joinEntry
}

// NewJoinTable creates an empty JoinTable.
func NewJoinTable() *JoinTable {
	return &JoinTable{entries: map[string]*joinEntry{}}
}

// Expect registers sample id, whose join waits for the given sources.
func (t *JoinTable) Expect(id string, sources ...Source) {
	t.mu.Lock()
	t.entries[id] = &joinEntry{
		expected: sources,
		sets:     map[Source]*ReadSet{},
		done:     map[Source]bool{},
	}
	t.mu.Unlock()
}

// Report records the read set produced by src for sample id. It returns true
// once every expected source has reported or been declared absent.
func (t *JoinTable) Report(id string, src Source, rs ReadSet) (bool, error) {
	return t.set(id, src, &rs)
}

// Absent records that src has no reads for sample id. An absent source
// contributes nothing to the join.
func (t *JoinTable) Absent(id string, src Source) (bool, error) {
	return t.set(id, src, nil)
}

func (t *JoinTable) set(id string, src Source, rs *ReadSet) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false, errors.E(errors.Invalid, fmt.Sprintf("join: sample %s not registered", id))
	}
	if !e.expects(src) {
		return false, errors.E(errors.Invalid, fmt.Sprintf("join: sample %s does not expect source %v", id, src))
	}
	if e.done[src] {
		return false, errors.E(errors.Invalid, fmt.Sprintf("join: sample %s: source %v reported twice", id, src))
	}
	e.done[src] = true
	if rs != nil {
		e.sets[src] = rs
	}
	return e.complete(), nil
}

// ReadSets returns the read sets of sample id in the order the sources were
// passed to Expect, skipping absent sources. It is an error to call it before
// every source has reported.
func (t *JoinTable) ReadSets(id string) ([]ReadSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("join: sample %s not registered", id))
	}
	if !e.complete() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("join: sample %s is incomplete", id))
	}
	var sets []ReadSet
	for _, src := range e.expected {
		if rs := e.sets[src]; rs != nil {
			sets = append(sets, *rs)
		}
	}
	return sets, nil
}

func (e *joinEntry) expects(src Source) bool {
	for _, s := range e.expected {
		if s == src {
			return true
		}
	}
	return false
}

func (e *joinEntry) complete() bool {
	return len(e.done) == len(e.expected)
}

// JoinResult describes the final paired outputs.
type JoinResult struct {
	Mate1, Mate2 fastq.Checksum
	// Singletons is the number of reads left out of the final outputs.
	Singletons int64
}

// JoinReadSets writes final mate-1 and mate-2 files: the concatenation, in
// order, of the gzip members of the corresponding files of sets. When sets is
// empty the outputs hold an empty gzip member. Singleton reads are not
// copied.
func JoinReadSets(ctx context.Context, sets []ReadSet, mate1, mate2 string, level int) (JoinResult, error) {
	var res JoinResult
	var paths1, paths2 []string
	for _, rs := range sets {
		paths1 = append(paths1, rs.Mate1)
		paths2 = append(paths2, rs.Mate2)
		res.Mate1.Merge(rs.Sums.Mate1)
		res.Mate2.Merge(rs.Sums.Mate2)
		res.Singletons += rs.Sums.Singleton.NReads
	}
	if err := concatFiles(ctx, paths1, mate1, level); err != nil {
		return res, err
	}
	if err := concatFiles(ctx, paths2, mate2, level); err != nil {
		return res, err
	}
	if err := verifyPaired(ctx, mate1, mate2, res.Mate1, res.Mate2); err != nil {
		return res, err
	}
	if res.Singletons > 0 {
		log.Printf("%s: %d singleton reads not included in the paired outputs", mate1, res.Singletons)
	}
	return res, nil
}

// verifyPaired checks that the final mate files list the same names in the
// same order and hold exactly the reads of their sources.
func verifyPaired(ctx context.Context, mate1, mate2 string, want1, want2 fastq.Checksum) (err error) {
	in1, err := file.Open(ctx, mate1)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in1, &err)
	in2, err := file.Open(ctx, mate2)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in2, &err)
	got1, got2, err := fastq.ChecksumPairGzip(in1.Reader(ctx), in2.Reader(ctx))
	if err != nil {
		return errors.E(errors.Integrity, err, "verify", mate1, mate2)
	}
	if got1 != want1 || got2 != want2 {
		return errors.E(errors.Integrity, fmt.Sprintf("verify %s, %s: got %+v, %+v; want %+v, %+v",
			mate1, mate2, got1, got2, want1, want2))
	}
	return nil
}

// verifyFastq checks that the gzip FASTQ file at path holds exactly the reads
// summarized by want.
func verifyFastq(ctx context.Context, path string, want fastq.Checksum) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	got, err := fastq.ChecksumGzip(in.Reader(ctx))
	if err != nil {
		return errors.E(errors.Integrity, err, "verify", path)
	}
	if got != want {
		return errors.E(errors.Integrity, fmt.Sprintf("verify %s: got %+v, want %+v", path, got, want))
	}
	return nil
}

func concatFiles(ctx context.Context, inputs []string, outPath string, level int) (err error) {
	if err := requireInputs(ctx, inputs...); err != nil {
		return err
	}
	if len(inputs) == 0 {
		f, err := createFastq(ctx, outPath, level)
		if err != nil {
			return err
		}
		return f.close(ctx)
	}
	out, err := file.Create(ctx, outPath)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := out.Writer(ctx)
	for _, path := range inputs {
		if err := copyFile(ctx, w, path); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(ctx context.Context, w io.Writer, path string) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	if _, err = io.Copy(w, in.Reader(ctx)); err != nil {
		return errors.E(err, "copy", path)
	}
	return nil
}
