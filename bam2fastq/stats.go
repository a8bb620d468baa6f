// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bam2fastq/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
)

type aggrFlagstat struct {
	total         int
	mapped        int
	duplicate     int
	secondary     int
	supplementary int
	paired        int
	goodPair      int
	single        int
	pairMap       int
	diffChr       int
	diffHigh      int
	r1, r2        int
}

func (stat *aggrFlagstat) record(r *sam.Record) {
	stat.total++
	f := r.Flags
	if (f & sam.Unmapped) == 0 {
		stat.mapped++
	}
	if (f & sam.Duplicate) != 0 {
		stat.duplicate++
	}
	if (f & sam.Secondary) != 0 {
		stat.secondary++
	} else if (f & sam.Supplementary) != 0 {
		stat.supplementary++
	} else if (f & sam.Paired) != 0 {
		stat.paired++
		if (f&sam.ProperPair) != 0 && (f&sam.Unmapped) == 0 {
			stat.goodPair++
		}
		if (f & sam.Read1) != 0 {
			stat.r1++
		}
		if (f & sam.Read2) != 0 {
			stat.r2++
		}
		if (f&sam.MateUnmapped) != 0 && (f&sam.Unmapped) == 0 {
			stat.single++
		}
		if (f&sam.Unmapped) == 0 && (f&sam.MateUnmapped) == 0 {
			stat.pairMap++
			if r.Ref.ID() != r.MateRef.ID() {
				stat.diffChr++
				if r.MapQ >= 5 {
					stat.diffHigh++
				}
			}
		}
	}
}

func percent(a int, b int) string {
	if b == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.2f%%", float64(a)*100/float64(b))
}

// Flagstat writes samtools-flagstat-compatible counts of the records read by
// p to w.
func Flagstat(ctx context.Context, p bamprovider.Provider, w io.Writer) error {
	var qc, failed aggrFlagstat
	err := scanAll(ctx, p, bamprovider.WholeFile(), func(rec *sam.Record) error {
		if (rec.Flags & sam.QCFail) != 0 {
			failed.record(rec)
		} else {
			qc.record(rec)
		}
		return nil
	})
	if err != nil {
		return err
	}
	lines := []string{
		fmt.Sprintf("%d + %d in total (QC-passed reads + QC-failed reads)", qc.total, failed.total),
		fmt.Sprintf("%d + %d secondary", qc.secondary, failed.secondary),
		fmt.Sprintf("%d + %d supplementary", qc.supplementary, failed.supplementary),
		fmt.Sprintf("%d + %d duplicates", qc.duplicate, failed.duplicate),
		fmt.Sprintf("%d + %d mapped (%s:%s)", qc.mapped, failed.mapped,
			percent(qc.mapped, qc.total), percent(failed.mapped, failed.total)),
		fmt.Sprintf("%d + %d paired in sequencing", qc.paired, failed.paired),
		fmt.Sprintf("%d + %d read1", qc.r1, failed.r1),
		fmt.Sprintf("%d + %d read2", qc.r2, failed.r2),
		fmt.Sprintf("%d + %d properly paired (%s:%s)", qc.goodPair, failed.goodPair,
			percent(qc.goodPair, qc.paired), percent(failed.goodPair, failed.paired)),
		fmt.Sprintf("%d + %d with itself and mate mapped", qc.pairMap, failed.pairMap),
		fmt.Sprintf("%d + %d singletons (%s:%s)", qc.single, failed.single,
			percent(qc.single, qc.paired), percent(failed.single, failed.paired)),
		fmt.Sprintf("%d + %d with mate mapped to a different chr", qc.diffChr, failed.diffChr),
		fmt.Sprintf("%d + %d with mate mapped to a different chr (mapQ>=5)", qc.diffHigh, failed.diffHigh),
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// Idxstats writes samtools-idxstats-compatible per-reference counts, taken
// from the index of c, to w.
func Idxstats(ctx context.Context, c Collection, w io.Writer) (err error) {
	p := c.Provider(1)
	defer func() {
		if e := p.Close(); e != nil && err == nil {
			err = e
		}
	}()
	header, err := p.GetHeader()
	if err != nil {
		return errors.E(errors.Integrity, err, "read header", c.BAM)
	}
	idx, err := readIndex(ctx, c.Index)
	if err != nil {
		return err
	}
	if err := idx.CheckHeader(header); err != nil {
		return errors.E(errors.Integrity, err, c.Index)
	}
	tw := tsv.NewWriter(w)
	for _, s := range idx.Stats(header) {
		tw.WriteString(s.Name)
		tw.WriteInt64(int64(s.Length))
		tw.WriteInt64(int64(s.Mapped))
		tw.WriteInt64(int64(s.Unmapped))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// StatsOpts configures Stats.
type StatsOpts struct {
	// Dir receives the artifacts.
	Dir string
	// Name prefixes the artifact file names.
	Name    string
	Threads int
}

// Stats computes statistics of the entry collection of a sample: flagstat
// and idxstats in process, and "samtools stats" on the entry collection and
// on each of the extra collections. It returns the paths of the artifacts.
func Stats(ctx context.Context, runner ToolRunner, entry Collection, extra []string, opts StatsOpts) ([]string, error) {
	var artifacts []string
	flagstatPath := filepath.Join(opts.Dir, opts.Name+".flagstat")
	err := writeFile(ctx, flagstatPath, func(w io.Writer) error {
		p := entry.Provider(opts.Threads)
		err := Flagstat(ctx, p, w)
		if e := p.Close(); e != nil && err == nil {
			err = e
		}
		return err
	})
	if err != nil {
		return nil, errors.E(err, "flagstat", entry.BAM)
	}
	artifacts = append(artifacts, flagstatPath)

	idxstatsPath := filepath.Join(opts.Dir, opts.Name+".idxstats")
	err = writeFile(ctx, idxstatsPath, func(w io.Writer) error {
		return Idxstats(ctx, entry, w)
	})
	if err != nil {
		return nil, errors.E(err, "idxstats", entry.BAM)
	}
	artifacts = append(artifacts, idxstatsPath)

	for _, in := range append([]string{entry.BAM}, extra...) {
		out := filepath.Join(opts.Dir, trimBAM(filepath.Base(in))+".stats")
		_, err := runner.Run(ctx, Tool{
			Name:    "samtools",
			Args:    []string{"stats", "-@", strconv.Itoa(opts.Threads), in},
			Inputs:  []string{in},
			Outputs: []string{out},
			Stdout:  out,
		})
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, out)
	}
	return artifacts, nil
}

func trimBAM(name string) string {
	if ext := filepath.Ext(name); ext == ".bam" {
		return name[:len(name)-len(ext)]
	}
	return name
}

func writeFile(ctx context.Context, path string, fn func(w io.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	return fn(out.Writer(ctx))
}
