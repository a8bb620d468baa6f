// Package bamtest contains helpers for building synthetic BAM files in
// tests.
package bamtest

import (
	"fmt"
	"io"
	"os"
	"testing"

	gbam "github.com/grailbio/bam2fastq/encoding/bam"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/require"
)

// NewHeader creates a header with references named names[i] of length
// lens[i].
func NewHeader(t testing.TB, names []string, lens []int) *sam.Header {
	require.Equal(t, len(names), len(lens))
	var refs []*sam.Reference
	for i, name := range names {
		ref, err := sam.NewReference(name, "", "", lens[i], nil, nil)
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	h, err := sam.NewHeader(nil, refs)
	require.NoError(t, err)
	return h
}

func NewRecord(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference, cigar sam.Cigar) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = ref
	r.Pos = pos
	r.MatePos = matePos
	r.MateRef = mateRef
	r.Flags = flags
	r.Cigar = cigar
	r.AuxFields = nil
	r.Seq = sam.Seq{}
	r.Qual = nil
	return r
}

// NewRecordSeq creates a record with the given sequence and qualities. qual
// is phred+33 encoded; an empty qual means the qualities are not stored.
func NewRecordSeq(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference,
	cigar sam.Cigar, seq, qual string) *sam.Record {
	r := NewRecord(name, ref, pos, flags, matePos, mateRef, cigar)
	r.Seq = sam.NewSeq([]byte(seq))
	if qual == "" {
		r.Qual = make([]byte, len(seq))
		for i := range r.Qual {
			r.Qual[i] = 0xff
		}
		return r
	}
	if len(seq) != len(qual) {
		panic("seq and qual must be equal length")
	}
	r.Qual = make([]byte, len(qual))
	for i := range qual {
		r.Qual[i] = qual[i] - 33
	}
	return r
}

// Match returns a cigar of n aligned bases.
func Match(n int) sam.Cigar {
	return sam.Cigar{sam.NewCigarOp(sam.CigarMatch, n)}
}

// WriteBAM writes recs to path. If index is true, it also writes path+".bai";
// recs must then be coordinate sorted.
func WriteBAM(t testing.TB, path string, header *sam.Header, recs []*sam.Record, index bool) {
	out, err := os.Create(path)
	require.NoError(t, err)
	w, err := bam.NewWriter(out, header, 1)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(r), "record %v", r)
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())
	if !index {
		return
	}
	in, err := os.Open(path)
	require.NoError(t, err)
	idx, err := os.Create(path + ".bai")
	require.NoError(t, err)
	_, err = gbam.WriteIndex(idx, in, 1)
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, in.Close())
}

// ReadBAM reads every record in path.
func ReadBAM(t testing.TB, path string) (*sam.Header, []*sam.Record) {
	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close() // nolint: errcheck
	r, err := bam.NewReader(in, 1)
	require.NoError(t, err)
	var recs []*sam.Record
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.NoError(t, r.Close())
	return r.Header(), recs
}

// Names returns the names of recs, with a "/1" or "/2" suffix for reads that
// carry the Read1 or Read2 flag.
func Names(recs []*sam.Record) []string {
	names := make([]string, len(recs))
	for i, r := range recs {
		switch {
		case r.Flags&sam.Read1 != 0:
			names[i] = fmt.Sprintf("%s/1", r.Name)
		case r.Flags&sam.Read2 != 0:
			names[i] = fmt.Sprintf("%s/2", r.Name)
		default:
			names[i] = r.Name
		}
	}
	return names
}
