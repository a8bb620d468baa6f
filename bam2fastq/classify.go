// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"github.com/grailbio/base/errors"
	gbam "github.com/grailbio/bam2fastq/encoding/bam"
	"github.com/grailbio/bam2fastq/encoding/bamprovider"
)

// Pairing is the sequencing layout of a sample.
type Pairing int

const (
	// Single means single-end reads.
	Single Pairing = iota
	// Paired means paired-end reads.
	Paired
)

func (p Pairing) String() string {
	if p == Paired {
		return "paired"
	}
	return "single"
}

// PairingSampleSize is the number of leading records inspected by
// ClassifyPairing.
const PairingSampleSize = 1000

// ClassifyPairing decides whether the collection holds paired-end reads. It
// inspects the first PairingSampleSize records; the collection is paired iff
// every one of them carries the paired flag. A collection with no records is
// single-end.
func ClassifyPairing(p bamprovider.Provider) (Pairing, error) {
	if _, err := p.GetHeader(); err != nil {
		return Single, errors.E(errors.Integrity, err, "read header")
	}
	it := p.NewIterator(bamprovider.WholeFile())
	var n, paired int
	for n < PairingSampleSize && it.Scan() {
		n++
		if gbam.IsPaired(it.Record()) {
			paired++
		}
	}
	if err := it.Close(); err != nil {
		return Single, errors.E(errors.Integrity, err, "classify pairing")
	}
	if n > 0 && paired == n {
		return Paired, nil
	}
	return Single, nil
}
