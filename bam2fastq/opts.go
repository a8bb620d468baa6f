// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	gbam "github.com/grailbio/bam2fastq/encoding/bam"
	"github.com/klauspost/compress/gzip"
)

// Execution profiles.
const (
	// LocalProfile writes outputs to a local (or mounted) directory.
	LocalProfile = "local"
	// AWSProfile stages outputs locally and publishes them to S3.
	AWSProfile = "aws"
)

const (
	// DefaultCollateReads is the default number of reads the fast collation
	// mode keeps in memory while waiting for their mates.
	DefaultCollateReads = 100000
	// DefaultMaxMemory is the default memory budget of one unit of work.
	DefaultMaxMemory = int64(4 << 30)
)

// Opts holds the configuration of a run. It is built once at startup and
// passed by value to every stage; stages never modify it.
type Opts struct {
	// OutputDir is the root of the output tree. Final reads go under
	// OutputDir/reads, QC and summary artifacts under OutputDir/reports. For
	// the aws profile it must be an s3:// URL.
	OutputDir string
	// ScratchDir holds intermediate collections and collation spill files.
	ScratchDir string
	// KeepScratch retains the per-sample scratch directories after the run.
	KeepScratch bool

	// Regions restricts processing to the listed region tokens ("chr" or
	// "chr:beg-end"). Multiple tokens are OR-ed.
	Regions []string
	// IndexSupplied states that every input already has an index. When
	// false, indexes are computed before classification.
	IndexSupplied bool

	// FastCollate selects streaming mate matching instead of full name
	// collation.
	FastCollate bool
	// CollateReads bounds the number of reads held in memory by the fast
	// collation mode.
	CollateReads int

	// SkipReadQC disables read QC on the final outputs.
	SkipReadQC bool
	// SkipStats disables all statistics, read QC and report aggregation.
	SkipStats bool

	// Email lists the notification recipients. Empty disables notification.
	Email []string
	// EmailFrom is the sender address of notifications.
	EmailFrom string
	// SMTPAddr is the host:port of the SMTP relay.
	SMTPAddr string

	// Parallelism is the number of samples processed concurrently.
	Parallelism int
	// Threads is the number of threads given to each unit of work. It is
	// passed to BAM readers and writers and to every external tool.
	Threads int
	// MaxMemory is the memory budget of one unit of work, in bytes.
	MaxMemory int64
	// MaxTime bounds the wall time of one sample. Zero means no limit.
	MaxTime time.Duration
	// FailFast turns the failure of any sample into a failure of the whole
	// batch: the remaining samples are cancelled.
	FailFast bool

	// CompressionLevel is the gzip level of the FASTQ outputs.
	CompressionLevel int

	// Profile is the execution profile, LocalProfile or AWSProfile.
	Profile string
	// AWSRegion is the region of the output bucket. Required by the aws
	// profile.
	AWSRegion string
}

// DefaultOpts returns the default configuration.
func DefaultOpts() Opts {
	return Opts{
		ScratchDir:       "/tmp",
		CollateReads:     DefaultCollateReads,
		Parallelism:      runtime.NumCPU(),
		Threads:          1,
		MaxMemory:        DefaultMaxMemory,
		CompressionLevel: gzip.DefaultCompression,
		Profile:          LocalProfile,
	}
}

// Validate checks the options for configuration errors. The returned error
// has kind errors.Invalid.
func (o Opts) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.E(errors.Invalid, fmt.Sprintf(format, args...))
	}
	if o.OutputDir == "" {
		return invalid("output directory not set")
	}
	if o.ScratchDir == "" {
		return invalid("scratch directory not set")
	}
	if _, err := o.ParseRegions(); err != nil {
		return errors.E(errors.Invalid, err)
	}
	if o.CollateReads <= 0 {
		return invalid("collate reads must be positive, got %d", o.CollateReads)
	}
	if o.Parallelism <= 0 {
		return invalid("parallelism must be positive, got %d", o.Parallelism)
	}
	if o.Threads <= 0 {
		return invalid("threads must be positive, got %d", o.Threads)
	}
	if o.MaxMemory <= 0 {
		return invalid("max memory must be positive, got %d", o.MaxMemory)
	}
	if o.MaxTime < 0 {
		return invalid("max time must not be negative, got %v", o.MaxTime)
	}
	if o.CompressionLevel < gzip.HuffmanOnly || o.CompressionLevel > gzip.BestCompression {
		return invalid("invalid gzip compression level %d", o.CompressionLevel)
	}
	if len(o.Email) > 0 && o.SMTPAddr == "" {
		return invalid("email notification requires an SMTP address")
	}
	switch o.Profile {
	case LocalProfile:
		if strings.HasPrefix(o.OutputDir, "s3://") {
			return invalid("output %s: s3 output requires the %s profile", o.OutputDir, AWSProfile)
		}
	case AWSProfile:
		if _, _, err := ParseS3Path(o.OutputDir); err != nil {
			return errors.E(errors.Invalid, err)
		}
		if o.AWSRegion == "" {
			return invalid("the %s profile requires an AWS region", AWSProfile)
		}
	default:
		return invalid("unknown profile %q", o.Profile)
	}
	return nil
}

// ParseRegions parses o.Regions.
func (o Opts) ParseRegions() ([]gbam.Region, error) {
	return gbam.ParseRegions(o.Regions)
}
