// Package bamprovider provides utilities for scanning a BAM file, either
// whole or restricted to a genomic region.
//
// The Provider is an interface for reading a BAM file. BAMProvider reads a
// real file and its .bai index; NewFakeProvider serves records from memory
// for tests.
package bamprovider
