package bam

import (
	"fmt"

	"github.com/grailbio/hts/sam"
)

// IsPaired returns true if the read is paired in sequencing.
func IsPaired(r *sam.Record) bool { return r.Flags&sam.Paired != 0 }

// IsPrimary returns true if the alignment is neither secondary nor
// supplementary. Every sequenced read has exactly one primary alignment.
func IsPrimary(r *sam.Record) bool {
	return r.Flags&(sam.Secondary|sam.Supplementary) == 0
}

// Category is the mapping-status class of a paired alignment record.
type Category int

const (
	// Excluded records are not extracted: secondary and supplementary
	// alignments, and unpaired records.
	Excluded Category = iota
	// BothMapped means both the read and its mate are mapped.
	BothMapped
	// BothUnmapped means neither the read nor its mate is mapped.
	BothUnmapped
	// SelfUnmappedMateMapped means the read is unmapped but its mate is mapped.
	SelfUnmappedMateMapped
	// SelfMappedMateUnmapped means the read is mapped but its mate is unmapped.
	SelfMappedMateUnmapped
)

// Categories lists the extractable categories in a fixed order.
var Categories = []Category{BothMapped, BothUnmapped, SelfUnmappedMateMapped, SelfMappedMateUnmapped}

// UnmappedCategories lists the categories that have at least one unmapped
// member.
var UnmappedCategories = []Category{BothUnmapped, SelfUnmappedMateMapped, SelfMappedMateUnmapped}

var categoryNames = map[Category]string{
	Excluded:               "excluded",
	BothMapped:             "both_mapped",
	BothUnmapped:           "both_unmapped",
	SelfUnmappedMateMapped: "unmapped_mate_mapped",
	SelfMappedMateUnmapped: "mapped_mate_unmapped",
}

// String returns the name of the category. The name is also used as a file
// name component.
func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Classify assigns r to exactly one category using only its flag bits.
// Secondary and supplementary alignments are always Excluded so that no read
// is extracted twice.
func Classify(r *sam.Record) Category {
	return ClassifyFlags(r.Flags)
}

// ClassifyFlags is Classify on raw flag bits.
func ClassifyFlags(f sam.Flags) Category {
	if f&sam.Paired == 0 || f&(sam.Secondary|sam.Supplementary) != 0 {
		return Excluded
	}
	self := f&sam.Unmapped != 0
	mate := f&sam.MateUnmapped != 0
	switch {
	case !self && !mate:
		return BothMapped
	case self && mate:
		return BothUnmapped
	case self:
		return SelfUnmappedMateMapped
	default:
		return SelfMappedMateUnmapped
	}
}
