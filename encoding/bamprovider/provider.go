package bamprovider

import (
	"fmt"

	gbam "github.com/grailbio/bam2fastq/encoding/bam"
	"github.com/grailbio/hts/sam"
)

// ProviderOpts defines options for NewProvider.
type ProviderOpts struct {
	// Index specifies the name of the BAM index file. If Index=="", it
	// defaults to path + ".bai".
	Index string

	// Parallelism is the number of decompression goroutines used by each
	// reader. Values <= 0 mean 1.
	Parallelism int
}

// Shard describes the set of records yielded by an Iterator.
//
// The zero Shard covers the whole file: every record, including unplaced
// unmapped records, in file order. A Shard with non-nil Ref covers the
// records whose alignment overlaps the half-open interval [Start,End) on Ref,
// in file order. Reading such a shard requires the index.
type Shard struct {
	Ref        *sam.Reference
	Start, End int
}

// WholeFile returns the shard that covers every record in the file.
func WholeFile() Shard { return Shard{} }

// RegionShard returns the shard that covers the records overlapping r.
func RegionShard(r gbam.ResolvedRegion) Shard {
	return Shard{Ref: r.Ref, Start: r.Start, End: r.End}
}

// IsWholeFile returns true if s covers the whole file.
func (s Shard) IsWholeFile() bool { return s.Ref == nil }

// Contains returns true if rec is in the shard.
func (s Shard) Contains(rec *sam.Record) bool {
	if s.IsWholeFile() {
		return true
	}
	return gbam.ResolvedRegion{Region: gbam.Region{Start: s.Start, End: s.End}, Ref: s.Ref}.Overlaps(rec)
}

func (s Shard) String() string {
	if s.IsWholeFile() {
		return "*"
	}
	return fmt.Sprintf("%s:%d-%d", s.Ref.Name(), s.Start, s.End)
}

// Provider allows reading a BAM file, whole or by region. Thread safe.
type Provider interface {
	// GetHeader returns the header for the provided BAM data. The callee
	// must not modify the returned header object.
	//
	// REQUIRES: Close has not been called.
	GetHeader() (*sam.Header, error)

	// NewIterator returns an iterator over the records contained in the
	// shard.
	//
	// REQUIRES: Close has not been called.
	NewIterator(shard Shard) Iterator

	// Close must be called exactly once. It returns any error encountered
	// by the provider, or any iterator created by the provider.
	//
	// REQUIRES: All the iterators created by NewIterator have been closed.
	Close() error
}

// Iterator iterates over sam.Records of a Shard. Thread compatible.
type Iterator interface {
	// Scan returns where there are any records remaining in the iterator,
	// and if so, advances the iterator to the next record. If the iterator
	// reaches the end of its range, Scan() returns false.  If an error
	// occurs, Scan() returns false and the error can be retrieved by
	// calling Err().
	//
	// REQUIRES: Close has not been called.
	Scan() bool

	// Record returns the current record in the iterator. This must be
	// called only after a call to Scan() returns true.
	//
	// REQUIRES: Close has not been called.
	Record() *sam.Record

	// Err returns the error encoutered during iteration, or nil if no error
	// occurred.  An io.EOF error will be translated to nil.
	Err() error

	// Close must be called exactly once. It returns the value of Err().
	Close() error
}

func mergeOpts(optList []ProviderOpts) ProviderOpts {
	opts := ProviderOpts{}
	for _, o := range optList {
		if o.Index != "" {
			opts.Index = o.Index
		}
		if o.Parallelism > 0 {
			opts.Parallelism = o.Parallelism
		}
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	return opts
}

// NewProvider creates a Provider object that reads the BAM file "path".
func NewProvider(path string, optList ...ProviderOpts) Provider {
	opts := mergeOpts(optList)
	return &BAMProvider{Path: path, Index: opts.Index, Parallelism: opts.Parallelism}
}
