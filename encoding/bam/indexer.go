package bam

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	biogobam "github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/sam"
)

// tileShift is log2 of the linear index window width (16kbp).
const tileShift = 14

// WriteIndex reads the BAM content of r and writes the corresponding .bai
// index to w. The index is derived solely from the bytes read from r, so it
// is consistent with them by construction. Returns the number of records
// indexed.
//
// REQUIRES: r is coordinate sorted. An out-of-order record yields an error.
func WriteIndex(w io.Writer, r io.Reader, parallelism int) (int64, error) {
	bamr, err := biogobam.NewReader(r, parallelism)
	if err != nil {
		return 0, err
	}
	defer bamr.Close()

	b := newIndexBuilder(len(bamr.Header().Refs()))
	for {
		rec, err := bamr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return b.nRecs, fmt.Errorf("read record %d: %v", b.nRecs, err)
		}
		if err := b.add(rec, bamr.LastChunk()); err != nil {
			return b.nRecs, fmt.Errorf("index record %d (%s): %v", b.nRecs, rec.Name, err)
		}
	}
	if _, err := b.finish().WriteTo(w); err != nil {
		return b.nRecs, err
	}
	return b.nRecs, nil
}

type refBuilder struct {
	bins      map[uint32][]Chunk
	intervals []uint64
	meta      Metadata
	used      bool
}

// indexBuilder accumulates the bins, linear index, and per-reference
// metadata of a coordinate-sorted BAM file, one record at a time.
type indexBuilder struct {
	refs     []refBuilder
	unplaced uint64
	nRecs    int64
	lastRef  int
	lastPos  int
}

func newIndexBuilder(nRefs int) *indexBuilder {
	return &indexBuilder{refs: make([]refBuilder, nRefs), lastRef: -2}
}

func (b *indexBuilder) add(r *sam.Record, c bgzf.Chunk) error {
	refID := r.RefID()
	if refID >= len(b.refs) {
		return fmt.Errorf("reference id %d out of range [0,%d)", refID, len(b.refs))
	}
	switch {
	case refID < 0:
		b.lastRef = -1
		b.unplaced++
		b.nRecs++
		return nil
	case b.lastRef == -1:
		return fmt.Errorf("placed record after unplaced records")
	case refID < b.lastRef, refID == b.lastRef && r.Pos < b.lastPos:
		return fmt.Errorf("record out of coordinate order")
	}
	b.lastRef, b.lastPos = refID, r.Pos
	b.nRecs++

	ref := &b.refs[refID]
	begin, end := fromOffset(c.Begin), fromOffset(c.End)
	if !ref.used {
		ref.used = true
		ref.bins = map[uint32][]Chunk{}
		ref.meta.UnmappedBegin = begin
	}
	ref.meta.UnmappedEnd = end
	if r.Flags&sam.Unmapped == 0 {
		ref.meta.MappedCount++
	} else {
		ref.meta.UnmappedCount++
	}

	bin := uint32(r.Bin())
	chunks := ref.bins[bin]
	if n := len(chunks); n > 0 && fromOffset(chunks[n-1].End) >= begin {
		chunks[n-1].End = c.End
	} else {
		ref.bins[bin] = append(chunks, Chunk{Begin: c.Begin, End: c.End})
	}

	beg, last := r.Start()>>tileShift, (r.End()-1)>>tileShift
	if last < beg {
		last = beg
	}
	for len(ref.intervals) <= last {
		ref.intervals = append(ref.intervals, 0)
	}
	for t := beg; t <= last; t++ {
		if ref.intervals[t] == 0 {
			ref.intervals[t] = begin
		}
	}
	return nil
}

func (b *indexBuilder) finish() *Index {
	idx := &Index{Magic: [4]byte{'B', 'A', 'I', 0x1}, Refs: make([]Reference, len(b.refs))}
	for i := range b.refs {
		rb := &b.refs[i]
		if !rb.used {
			continue
		}
		ref := &idx.Refs[i]
		nums := make([]uint32, 0, len(rb.bins))
		for n := range rb.bins {
			nums = append(nums, n)
		}
		sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
		for _, n := range nums {
			ref.Bins = append(ref.Bins, Bin{BinNum: n, Chunks: rb.bins[n]})
		}
		// Empty windows inherit the preceding offset.
		ref.Intervals = make([]bgzf.Offset, len(rb.intervals))
		var prev uint64
		for t, off := range rb.intervals {
			if off == 0 {
				off = prev
			}
			ref.Intervals[t] = toOffset(off)
			prev = off
		}
		ref.Meta = rb.meta
	}
	unplaced := b.unplaced
	idx.UnmappedCount = &unplaced
	return idx
}

// WriteTo writes the index in .bai format. References without records are
// written with no bins and no intervals.
func (i *Index) WriteTo(w io.Writer) (int64, error) {
	var (
		n   int64
		err error
	)
	put := func(v interface{}) {
		if err == nil {
			err = binary.Write(w, binary.LittleEndian, v)
			if err == nil {
				n += int64(binary.Size(v))
			}
		}
	}
	put(i.Magic)
	put(int32(len(i.Refs)))
	for _, ref := range i.Refs {
		nBins := len(ref.Bins)
		if ref.Meta != (Metadata{}) {
			nBins++
		}
		put(int32(nBins))
		for _, bin := range ref.Bins {
			put(bin.BinNum)
			put(int32(len(bin.Chunks)))
			for _, c := range bin.Chunks {
				put(fromOffset(c.Begin))
				put(fromOffset(c.End))
			}
		}
		if ref.Meta != (Metadata{}) {
			put(uint32(metaBin))
			put(int32(2))
			put(ref.Meta.UnmappedBegin)
			put(ref.Meta.UnmappedEnd)
			put(ref.Meta.MappedCount)
			put(ref.Meta.UnmappedCount)
		}
		put(int32(len(ref.Intervals)))
		for _, off := range ref.Intervals {
			put(fromOffset(off))
		}
	}
	if i.UnmappedCount != nil {
		put(*i.UnmappedCount)
	}
	return n, err
}
