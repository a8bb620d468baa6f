package bam

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/sam"
)

// metaBin is the pseudo-bin number that holds per-reference statistics.
const metaBin = 37450

// Index represents the content of a .bai index file (for use with a .bam file).
type Index struct {
	Magic         [4]byte
	Refs          []Reference
	UnmappedCount *uint64
}

// Reference represents the reference data within a .bai file.
type Reference struct {
	Bins      []Bin
	Intervals []bgzf.Offset
	Meta      Metadata
}

// Bin represents the bin data within a .bai file.
type Bin struct {
	BinNum uint32
	Chunks []Chunk
}

// Chunk represents the Chunk data within a .bai file.
type Chunk struct {
	Begin bgzf.Offset
	End   bgzf.Offset
}

// Metadata represents the Metadata data within a .bai file.
type Metadata struct {
	UnmappedBegin uint64
	UnmappedEnd   uint64
	MappedCount   uint64
	UnmappedCount uint64
}

// RefStat is one row of idxstats output: the reference name and length, and
// the number of mapped and unmapped records placed on it. The final row of
// Index.Stats describes unplaced unmapped records and has Name "*".
type RefStat struct {
	Name     string
	Length   int
	Mapped   uint64
	Unmapped uint64
}

type indexReader struct {
	r   io.Reader
	err error
}

func (ir *indexReader) int32() int32 {
	var v int32
	if ir.err == nil {
		ir.err = binary.Read(ir.r, binary.LittleEndian, &v)
	}
	return v
}

func (ir *indexReader) uint32() uint32 {
	var v uint32
	if ir.err == nil {
		ir.err = binary.Read(ir.r, binary.LittleEndian, &v)
	}
	return v
}

func (ir *indexReader) uint64() uint64 {
	var v uint64
	if ir.err == nil {
		ir.err = binary.Read(ir.r, binary.LittleEndian, &v)
	}
	return v
}

func (ir *indexReader) count(what string) int {
	n := ir.int32()
	if ir.err == nil && n < 0 {
		ir.err = fmt.Errorf("bam index: negative %s count %d", what, n)
	}
	return int(n)
}

// ReadIndex parses the content of r and returns an Index or nil and an error.
func ReadIndex(r io.Reader) (*Index, error) {
	idx := &Index{}
	if _, err := io.ReadFull(r, idx.Magic[0:]); err != nil {
		return nil, err
	}
	if idx.Magic != [4]byte{'B', 'A', 'I', 0x1} {
		return nil, fmt.Errorf("bam index invalid magic: %v", idx.Magic)
	}
	ir := &indexReader{r: r}
	nRefs := ir.count("reference")
	if ir.err != nil {
		return nil, ir.err
	}
	idx.Refs = make([]Reference, nRefs)
	for refID := range idx.Refs {
		ref, err := ir.reference()
		if err != nil {
			return nil, err
		}
		idx.Refs[refID] = ref
	}

	// The trailing unplaced-unmapped count is optional.
	var unmappedCount uint64
	if err := binary.Read(r, binary.LittleEndian, &unmappedCount); err == nil {
		idx.UnmappedCount = &unmappedCount
	} else if err != io.EOF {
		return nil, err
	}
	return idx, nil
}

func (ir *indexReader) reference() (Reference, error) {
	nBins := ir.count("bin")
	if ir.err != nil {
		return Reference{}, ir.err
	}
	ref := Reference{Bins: make([]Bin, 0, nBins)}
	for b := 0; b < nBins; b++ {
		bin := Bin{BinNum: ir.uint32()}
		nChunks := ir.count("chunk")
		if ir.err != nil {
			return Reference{}, ir.err
		}
		bin.Chunks = make([]Chunk, nChunks)
		for c := range bin.Chunks {
			bin.Chunks[c] = Chunk{Begin: toOffset(ir.uint64()), End: toOffset(ir.uint64())}
		}
		if ir.err != nil {
			return Reference{}, ir.err
		}
		if bin.BinNum != metaBin {
			ref.Bins = append(ref.Bins, bin)
			continue
		}
		if len(bin.Chunks) != 2 {
			return Reference{}, fmt.Errorf("Invalid metadata chunk has %d chunks, should have 2", len(bin.Chunks))
		}
		ref.Meta = Metadata{
			UnmappedBegin: fromOffset(bin.Chunks[0].Begin),
			UnmappedEnd:   fromOffset(bin.Chunks[0].End),
			MappedCount:   fromOffset(bin.Chunks[1].Begin),
			UnmappedCount: fromOffset(bin.Chunks[1].End),
		}
	}
	nIntervals := ir.count("interval")
	if ir.err != nil {
		return Reference{}, ir.err
	}
	ref.Intervals = make([]bgzf.Offset, nIntervals)
	for i := range ref.Intervals {
		ref.Intervals[i] = toOffset(ir.uint64())
	}
	return ref, ir.err
}

// CheckHeader verifies that the index may have been built for a BAM file with
// the given header. Some indexers omit trailing references that have no
// records, so the index may list fewer references than the header, but never
// more.
func (i *Index) CheckHeader(header *sam.Header) error {
	if got, want := len(i.Refs), len(header.Refs()); got > want {
		return fmt.Errorf("bam index has %d references, but the header has %d", got, want)
	}
	return nil
}

// Stats computes samtools-idxstats-compatible rows from the index metadata.
//
// REQUIRES: CheckHeader(header) == nil.
func (i *Index) Stats(header *sam.Header) []RefStat {
	stats := make([]RefStat, 0, len(i.Refs)+1)
	for id, ref := range header.Refs() {
		stat := RefStat{Name: ref.Name(), Length: ref.Len()}
		if id < len(i.Refs) {
			stat.Mapped = i.Refs[id].Meta.MappedCount
			stat.Unmapped = i.Refs[id].Meta.UnmappedCount
		}
		stats = append(stats, stat)
	}
	unplaced := RefStat{Name: "*"}
	if i.UnmappedCount != nil {
		unplaced.Unmapped = *i.UnmappedCount
	}
	return append(stats, unplaced)
}

func toOffset(voffset uint64) bgzf.Offset {
	return bgzf.Offset{
		File:  int64(voffset >> 16),
		Block: uint16(voffset),
	}
}

func fromOffset(offset bgzf.Offset) uint64 {
	return uint64(offset.File<<16) | uint64(offset.Block)
}
