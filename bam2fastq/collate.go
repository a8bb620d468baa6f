// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	farm "github.com/dgryski/go-farm"
	psort "github.com/exascience/pargo/sort"
	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	gbam "github.com/grailbio/bam2fastq/encoding/bam"
	"github.com/grailbio/bam2fastq/encoding/bamprovider"
	"github.com/grailbio/bam2fastq/encoding/fastq"
	"github.com/grailbio/hts/sam"
)

// numSpillBuckets is the number of files that spilled reads are hashed into.
const numSpillBuckets = 64

// segmentOverhead approximates the memory used by a Segment beyond its
// strings.
const segmentOverhead = 96

// Segment is one read of a template, converted to FASTQ, together with the
// flags of the record it came from.
type Segment struct {
	Flags sam.Flags
	Read  fastq.Read
}

// Name returns the template name.
func (s *Segment) Name() string { return s.Read.ID[1:] }

func (s *Segment) size() int64 {
	return int64(len(s.Read.ID)+len(s.Read.Seq)+len(s.Read.Qual)) + segmentOverhead
}

// CollateOpts configures Collate.
type CollateOpts struct {
	// Fast selects streaming mate matching. Otherwise all reads are grouped
	// by name before any group is emitted.
	Fast bool
	// MaxReads bounds the number of unmatched reads held in memory in fast
	// mode.
	MaxReads int
	// MaxMemory bounds the bytes of reads held in memory.
	MaxMemory int64
	// Dir is the directory for spill files. It must exist.
	Dir string
}

// Collate reads every extractable record of the whole collection read by p
// and calls fn with groups of segments that share a template name. In the
// default mode each name is emitted exactly once, with all of its segments,
// in file order within the group. In fast mode a read is emitted with its
// opposite mate as soon as both have been seen; reads still unmatched when
// the pending set overflows are spilled and grouped at the end.
//
// Records that gbam.Classify excludes are skipped. Collate returns the number
// of segments passed to fn.
func Collate(ctx context.Context, p bamprovider.Provider, opts CollateOpts, fn func(group []Segment) error) (int64, error) {
	c := &collator{opts: opts, fn: fn, pending: map[string]Segment{}}
	defer c.removeSpills()
	err := scanAll(ctx, p, bamprovider.WholeFile(), func(rec *sam.Record) error {
		if gbam.Classify(rec) == gbam.Excluded {
			return nil
		}
		var s Segment
		if err := fastq.FromRecord(rec, &s.Read); err != nil {
			return errors.E(errors.Integrity, err)
		}
		s.Flags = rec.Flags
		return c.add(s)
	})
	if err != nil {
		return c.nOut, err
	}
	return c.nOut, c.finish()
}

type collator struct {
	opts CollateOpts
	fn   func(group []Segment) error
	nOut int64

	// Default mode.
	mem []Segment
	// Fast mode.
	pending map[string]Segment

	memBytes int64
	spills   []*spillBucket
}

func (c *collator) emit(group []Segment) error {
	c.nOut += int64(len(group))
	return c.fn(group)
}

func (c *collator) add(s Segment) error {
	c.memBytes += s.size()
	if !c.opts.Fast {
		c.mem = append(c.mem, s)
		if c.memBytes > c.opts.MaxMemory {
			return c.spillMem()
		}
		return nil
	}
	name := s.Name()
	if mate, ok := c.pending[name]; ok {
		delete(c.pending, name)
		c.memBytes -= mate.size()
		if isMates(mate.Flags, s.Flags) {
			c.memBytes -= s.size()
			return c.emit([]Segment{mate, s})
		}
		// Same name but not opposite mates: the pending read stays
		// unmatched.
		if err := c.emit([]Segment{mate}); err != nil {
			return err
		}
	}
	c.pending[name] = s
	if len(c.pending) > c.opts.MaxReads || c.memBytes > c.opts.MaxMemory {
		return c.spillPending()
	}
	return nil
}

// isMates returns true if one of the flags marks mate 1 and the other mate 2.
func isMates(a, b sam.Flags) bool {
	const mask = sam.Read1 | sam.Read2
	return (a&mask == sam.Read1 && b&mask == sam.Read2) || (a&mask == sam.Read2 && b&mask == sam.Read1)
}

func (c *collator) spillMem() error {
	for i := range c.mem {
		if err := c.spill(&c.mem[i]); err != nil {
			return err
		}
	}
	log.Debug.Printf("collate: spilled %d reads", len(c.mem))
	c.mem = c.mem[:0]
	c.memBytes = 0
	return nil
}

func (c *collator) spillPending() error {
	// Spill in name order so that the spill files do not depend on map
	// iteration order.
	names := make([]string, 0, len(c.pending))
	for name := range c.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := c.pending[name]
		if err := c.spill(&s); err != nil {
			return err
		}
	}
	log.Debug.Printf("collate: spilled %d pending reads", len(names))
	c.pending = map[string]Segment{}
	c.memBytes = 0
	return nil
}

func (c *collator) spill(s *Segment) error {
	if c.spills == nil {
		c.spills = make([]*spillBucket, numSpillBuckets)
		for i := range c.spills {
			b, err := newSpillBucket(c.opts.Dir, i)
			if err != nil {
				return err
			}
			c.spills[i] = b
		}
	}
	return c.spills[farm.Hash64([]byte(s.Name()))%numSpillBuckets].add(s)
}

func (c *collator) finish() error {
	if c.spills == nil {
		segs := c.mem
		if c.opts.Fast {
			for _, s := range c.pending {
				segs = append(segs, s)
			}
		}
		return c.emitGroups(segs)
	}
	if c.opts.Fast {
		if err := c.spillPending(); err != nil {
			return err
		}
	} else if err := c.spillMem(); err != nil {
		return err
	}
	for _, b := range c.spills {
		if err := b.closeWriter(); err != nil {
			return err
		}
	}
	for _, b := range c.spills {
		segs, err := b.readAll()
		if err != nil {
			return err
		}
		if err := c.emitGroups(segs); err != nil {
			return err
		}
	}
	return nil
}

// emitGroups sorts segs by name, stably, and emits each run of equal names.
func (c *collator) emitGroups(segs []Segment) error {
	psort.StableSort(segmentSorter(segs))
	for i := 0; i < len(segs); {
		j := i + 1
		for j < len(segs) && segs[j].Name() == segs[i].Name() {
			j++
		}
		if err := c.emit(segs[i:j]); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (c *collator) removeSpills() {
	for _, b := range c.spills {
		b.remove()
	}
}

type segmentSorter []Segment

func (s segmentSorter) SequentialSort(i, j int) {
	segs := s[i:j]
	sort.SliceStable(segs, func(i, j int) bool {
		return segs[i].Name() < segs[j].Name()
	})
}

func (s segmentSorter) NewTemp() psort.StableSorter {
	return make(segmentSorter, len(s))
}

func (s segmentSorter) Len() int {
	return len(s)
}

func (s segmentSorter) Less(i, j int) bool {
	return s[i].Name() < s[j].Name()
}

func (s segmentSorter) Assign(source psort.StableSorter) func(i, j, len int) {
	dst, src := s, source.(segmentSorter)
	return func(i, j, len int) {
		copy(dst[i:i+len], src[j:j+len])
	}
}

// spillBucket is an on-disk, snappy-compressed list of segments. Each entry
// is the record flags (uint16), the lengths of the ID, sequence and quality
// strings (uint32 each), then the three strings.
type spillBucket struct {
	path   string
	f      *os.File
	buf    *bufio.Writer
	writer io.WriteCloser
	n      int
	hdr    [14]byte
}

func newSpillBucket(dir string, idx int) (*spillBucket, error) {
	path := filepath.Join(dir, fmt.Sprintf("collate_%04d_of_%04d.sz", idx, numSpillBuckets))
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.E(err, "create spill file")
	}
	w := snappy.NewBufferedWriter(f)
	return &spillBucket{path: path, f: f, writer: w, buf: bufio.NewWriter(w)}, nil
}

func (b *spillBucket) add(s *Segment) error {
	binary.LittleEndian.PutUint16(b.hdr[0:], uint16(s.Flags))
	binary.LittleEndian.PutUint32(b.hdr[2:], uint32(len(s.Read.ID)))
	binary.LittleEndian.PutUint32(b.hdr[6:], uint32(len(s.Read.Seq)))
	binary.LittleEndian.PutUint32(b.hdr[10:], uint32(len(s.Read.Qual)))
	if _, err := b.buf.Write(b.hdr[:]); err != nil {
		return errors.E(err, "write spill file", b.path)
	}
	for _, str := range [...]string{s.Read.ID, s.Read.Seq, s.Read.Qual} {
		if _, err := b.buf.WriteString(str); err != nil {
			return errors.E(err, "write spill file", b.path)
		}
	}
	b.n++
	return nil
}

func (b *spillBucket) closeWriter() error {
	var e errors.Once
	e.Set(b.buf.Flush())
	e.Set(b.writer.Close())
	e.Set(b.f.Close())
	if err := e.Err(); err != nil {
		return errors.E(err, "close spill file", b.path)
	}
	return nil
}

func (b *spillBucket) readAll() ([]Segment, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, errors.E(err, "open spill file")
	}
	defer f.Close() // nolint: errcheck
	r := bufio.NewReader(snappy.NewReader(f))
	segs := make([]Segment, 0, b.n)
	var hdr [14]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.E(errors.Integrity, err, "read spill file", b.path)
		}
		lens := [3]uint32{
			binary.LittleEndian.Uint32(hdr[2:]),
			binary.LittleEndian.Uint32(hdr[6:]),
			binary.LittleEndian.Uint32(hdr[10:]),
		}
		data := make([]byte, lens[0]+lens[1]+lens[2])
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, errors.E(errors.Integrity, err, "read spill file", b.path)
		}
		s := Segment{Flags: sam.Flags(binary.LittleEndian.Uint16(hdr[0:]))}
		s.Read.ID = string(data[:lens[0]])
		s.Read.Seq = string(data[lens[0] : lens[0]+lens[1]])
		s.Read.Unk = "+"
		s.Read.Qual = string(data[lens[0]+lens[1]:])
		segs = append(segs, s)
	}
	if len(segs) != b.n {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("spill file %s: read %d segments, wrote %d", b.path, len(segs), b.n))
	}
	return segs, nil
}

func (b *spillBucket) remove() {
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		log.Error.Printf("remove %s: %v", b.path, err)
	}
}

// newSpillDir creates a fresh directory for collation spill files under dir.
func newSpillDir(dir, prefix string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.E(err, "create scratch directory")
	}
	d, err := ioutil.TempDir(dir, prefix)
	if err != nil {
		return "", errors.E(err, "create spill directory")
	}
	return d, nil
}
