package fastq

import (
	"bufio"
	"io"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/unsafe"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Checksum is an order-independent digest of a set of reads. Two sets of
// reads have equal checksums iff (modulo hash collisions) they contain the
// same reads, in any order.
type Checksum struct {
	// NReads is the number of reads.
	NReads int64 `json:"reads"`
	// SumName is the sum of the hashes of the read names.
	SumName uint64 `json:"sum_name"`
	// SumSeq is the sum of the hashes of the sequences.
	SumSeq uint64 `json:"sum_seq"`
	// SumQual is the sum of the hashes of the quality strings.
	SumQual uint64 `json:"sum_qual"`
}

// Add adds r to the checksum.
func (c *Checksum) Add(r *Read) {
	c.NReads++
	c.SumName += seahash.Sum64(unsafe.StringToBytes(r.Name()))
	c.SumSeq += seahash.Sum64(unsafe.StringToBytes(r.Seq))
	c.SumQual += seahash.Sum64(unsafe.StringToBytes(r.Qual))
}

// Merge adds the reads of o to c.
func (c *Checksum) Merge(o Checksum) {
	c.NReads += o.NReads
	c.SumName += o.SumName
	c.SumSeq += o.SumSeq
	c.SumQual += o.SumQual
}

// ChecksumReader computes the checksum of the FASTQ reads in r.
func ChecksumReader(r io.Reader) (Checksum, error) {
	var (
		c    Checksum
		read Read
	)
	s := NewScanner(r, ID|Seq|Qual)
	for s.Scan(&read) {
		c.Add(&read)
	}
	if err := s.Err(); err != nil {
		return c, errors.Wrapf(err, "read %d", c.NReads)
	}
	return c, nil
}

// ChecksumGzip computes the checksum of the gzip-compressed FASTQ reads in
// r. r may contain several concatenated gzip members.
func ChecksumGzip(r io.Reader) (Checksum, error) {
	gz, err := openGzip(r)
	if err != nil {
		return Checksum{}, err
	}
	c, err := ChecksumReader(gz)
	if err != nil {
		return c, err
	}
	return c, errors.Wrap(gz.Close(), "close gzip")
}

// ChecksumPairGzip computes the checksums of a pair of gzip-compressed FASTQ
// streams. The i'th reads of r1 and r2 must carry the same name; a name
// mismatch or a count mismatch yields ErrDiscordant.
func ChecksumPairGzip(r1, r2 io.Reader) (c1, c2 Checksum, err error) {
	gz1, err := openGzip(r1)
	if err != nil {
		return c1, c2, errors.Wrap(err, "mate 1")
	}
	gz2, err := openGzip(r2)
	if err != nil {
		return c1, c2, errors.Wrap(err, "mate 2")
	}
	var read1, read2 Read
	s := NewPairScanner(gz1, gz2, ID|Seq|Qual)
	for s.Scan(&read1, &read2) {
		if read1.Name() != read2.Name() {
			return c1, c2, errors.Wrapf(ErrDiscordant, "pair %d: %s, %s", c1.NReads, read1.Name(), read2.Name())
		}
		c1.Add(&read1)
		c2.Add(&read2)
	}
	if err := s.Err(); err != nil {
		return c1, c2, errors.Wrapf(err, "pair %d", c1.NReads)
	}
	if err := gz1.Close(); err != nil {
		return c1, c2, errors.Wrap(err, "close gzip")
	}
	return c1, c2, errors.Wrap(gz2.Close(), "close gzip")
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyReader) Close() error             { return nil }

// openGzip returns a reader of the decompressed content of r. An empty r
// reads as empty.
func openGzip(r io.Reader) (io.ReadCloser, error) {
	gz, err := gzip.NewReader(bufio.NewReader(r))
	if err == io.EOF {
		return emptyReader{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open gzip")
	}
	return gz, nil
}
