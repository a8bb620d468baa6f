package fastq

import (
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// DefaultQual is the phred quality assigned to every base of a record that
// does not store qualities. It matches "samtools fastq -v 1".
const DefaultQual = 1

// missingQual marks a record without stored qualities.
const missingQual = 0xff

// complement maps each base in the BAM 4-bit alphabet "=ACMGRSVTWYHKDBN",
// plus lowercase ACGTN, to its complement.
var complement [256]byte

func init() {
	for i := range complement {
		complement[i] = 'N'
	}
	const from, to = "=ACMGRSVTWYHKDBNacgtn", "=TGKCYSBAWRDMHVNtgcan"
	for i := 0; i < len(from); i++ {
		complement[from[i]] = to[i]
	}
}

// ReverseComplement reverses seq in place and complements each base.
func ReverseComplement(seq []byte) {
	for i, j := 0, len(seq)-1; i <= j; i, j = i+1, j-1 {
		seq[i], seq[j] = complement[seq[j]], complement[seq[i]]
	}
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// FromRecord fills r with the read stored in rec, as it came off the
// sequencer: reads aligned to the reverse strand are reverse-complemented and
// their qualities reversed. The read name carries no mate suffix. Qualities
// are phred+33; a record without stored qualities gets DefaultQual for every
// base.
func FromRecord(rec *sam.Record, r *Read) error {
	seq := rec.Seq.Expand()
	qual := make([]byte, len(seq))
	switch {
	case len(rec.Qual) == 0 || rec.Qual[0] == missingQual:
		for i := range qual {
			qual[i] = DefaultQual + 33
		}
	case len(rec.Qual) != len(seq):
		return errors.Errorf("record %s: %d bases but %d qualities", rec.Name, len(seq), len(rec.Qual))
	default:
		for i, q := range rec.Qual {
			qual[i] = q + 33
		}
	}
	if rec.Flags&sam.Reverse != 0 {
		ReverseComplement(seq)
		reverse(qual)
	}
	r.ID = "@" + rec.Name
	r.Seq = string(seq)
	r.Unk = "+"
	r.Qual = string(qual)
	return nil
}
