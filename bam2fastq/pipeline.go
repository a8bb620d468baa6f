// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	gbam "github.com/grailbio/bam2fastq/encoding/bam"
)

// Output tree layout, relative to the output root.
const (
	ReadsDir   = "reads"
	ReportsDir = "reports"
)

// Deps holds the collaborators of Run.
type Deps struct {
	// Runner runs external tools. Required unless statistics are skipped.
	Runner ToolRunner
	// Notifier, if non-nil, is told about the end of the run.
	Notifier Notifier
	// Publisher, if non-nil, receives every output. Outputs are then staged
	// under the scratch directory instead of being written to
	// Opts.OutputDir.
	Publisher Publisher
}

// FinalPaths returns the paths, relative to the output root, of the final
// FASTQ files of the sample named name.
func FinalPaths(name string, pairing Pairing) []string {
	if pairing == Single {
		return []string{filepath.Join(ReadsDir, name+".singleton.fq.gz")}
	}
	return []string{
		filepath.Join(ReadsDir, name+".1.fq.gz"),
		filepath.Join(ReadsDir, name+".2.fq.gz"),
	}
}

type run struct {
	opts    Opts
	deps    Deps
	regions []gbam.Region
	// outRoot is the local root of the output tree.
	outRoot string
	// scratchRoot holds the per-sample scratch directories.
	scratchRoot string
	table       *JoinTable
}

// Run converts every sample to FASTQ. Samples are processed concurrently,
// at most opts.Parallelism at a time. The failure of a stage fails its
// sample only; the result records the failing stage. Run returns an error
// when the options are invalid (with a nil result) or, if opts.FailFast is
// set, when any sample fails, in which case unfinished samples are
// cancelled.
func Run(ctx context.Context, opts Opts, samples []Sample, deps Deps) (*RunResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	regions, err := opts.ParseRegions()
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	if deps.Runner == nil {
		deps.Runner = ExecRunner{}
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	res := &RunResult{
		RunID:     uuid.New().String(),
		Hostname:  hostname,
		GoVersion: runtime.Version(),
		Start:     time.Now(),
		Opts:      opts,
		Samples:   make([]SampleResult, len(samples)),
	}
	r := &run{
		opts:        opts,
		deps:        deps,
		regions:     regions,
		outRoot:     opts.OutputDir,
		scratchRoot: filepath.Join(opts.ScratchDir, res.RunID),
		table:       NewJoinTable(),
	}
	if deps.Publisher != nil {
		r.outRoot = filepath.Join(r.scratchRoot, "output")
	}
	for _, dir := range []string{filepath.Join(r.outRoot, ReadsDir), filepath.Join(r.outRoot, ReportsDir), r.scratchRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.E(errors.Invalid, err, "create directory", dir)
		}
	}
	log.Printf("run %s: %d samples, output %s", res.RunID, len(samples), opts.OutputDir)

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batchErr := traverse.Limit(opts.Parallelism).Each(len(samples), func(i int) error {
		var err error
		res.Samples[i], err = r.sample(batchCtx, samples[i])
		if err != nil && opts.FailFast {
			cancel()
			return errors.E(err, fmt.Sprintf("sample %s", samples[i].ID))
		}
		return nil
	})
	for i := range res.Samples {
		if res.Samples[i].ID == "" {
			s := samples[i]
			res.Samples[i] = SampleResult{ID: s.ID, Name: DerivedName(s.ID, regions), BAM: s.BAM, Err: "not started: batch failed"}
		}
	}
	res.End = time.Now()
	r.report(ctx, res)
	notify(ctx, deps.Notifier, res)
	if !opts.KeepScratch {
		r.removeScratch(r.scratchRoot)
	}
	log.Printf("run %s: %d of %d samples failed", res.RunID, res.Failed(), len(samples))
	if batchErr != nil {
		return res, errors.E(batchErr, "batch failed")
	}
	return res, nil
}

func (r *run) report(ctx context.Context, res *RunResult) {
	reportsDir := filepath.Join(r.outRoot, ReportsDir)
	paths, err := AggregateReports(ctx, r.deps.Runner, res, reportsDir, r.opts.SkipStats)
	if err != nil {
		res.ReportErr = err.Error()
		log.Error.Printf("aggregate reports: %v", err)
	}
	if err := r.publish(ctx, paths); err != nil {
		res.ReportErr = err.Error()
		log.Error.Printf("publish reports: %v", err)
	}
}

// publish hands local output files to the publisher.
func (r *run) publish(ctx context.Context, paths []string) error {
	if r.deps.Publisher == nil {
		return nil
	}
	for _, p := range paths {
		rel, err := filepath.Rel(r.outRoot, p)
		if err != nil {
			return err
		}
		if err := r.deps.Publisher.Publish(ctx, p, filepath.ToSlash(rel)); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) removeScratch(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Error.Printf("remove scratch %s: %v", dir, err)
	}
}

// sampleRun holds the state of one sample.
type sampleRun struct {
	*run
	s       Sample
	name    string
	scratch string

	mu  sync.Mutex
	res SampleResult
}

// stage runs fn as stage st. The first failure is recorded in the result.
func (sr *sampleRun) stage(st Stage, fn func() error) error {
	log.Debug.Printf("%s: start %s", sr.name, st)
	start := time.Now()
	err := fn()
	if err == nil {
		log.Debug.Printf("%s: %s done in %v", sr.name, st, time.Since(start))
		return nil
	}
	err = errors.E(err, fmt.Sprintf("sample %s: %s", sr.s.ID, st))
	sr.mu.Lock()
	if sr.res.Err == "" {
		sr.res.Stage = st
		sr.res.Err = err.Error()
	}
	sr.mu.Unlock()
	log.Error.Printf("%v", err)
	return err
}

func (r *run) sample(ctx context.Context, s Sample) (SampleResult, error) {
	name := DerivedName(s.ID, r.regions)
	sr := &sampleRun{
		run:     r,
		s:       s,
		name:    name,
		scratch: filepath.Join(r.scratchRoot, name),
		res:     SampleResult{ID: s.ID, Name: name, BAM: s.BAM, Start: time.Now()},
	}
	if r.opts.MaxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.MaxTime)
		defer cancel()
	}
	log.Printf("%s: start (%s)", name, s.BAM)
	err := sr.process(ctx)
	if !r.opts.KeepScratch {
		r.removeScratch(sr.scratch)
	}
	sr.res.End = time.Now()
	if err == nil {
		log.Printf("%s: done, %d reads in %v", name, sr.res.Reads(), sr.res.End.Sub(sr.res.Start))
	}
	return sr.res, err
}

func (sr *sampleRun) process(ctx context.Context) error {
	opts := sr.opts
	if err := os.MkdirAll(sr.scratch, 0755); err != nil {
		return sr.stage(StageIndex, func() error { return err })
	}
	var entry Collection
	err := sr.stage(StageIndex, func() (err error) {
		entry, err = EnsureIndex(ctx, sr.s, opts.IndexSupplied, sr.scratch, opts.Threads)
		return err
	})
	if err != nil {
		return err
	}
	if len(sr.regions) > 0 {
		err = sr.stage(StageRegionFilter, func() (err error) {
			entry, sr.res.RegionRecords, err = FilterRegions(ctx, entry, sr.regions,
				filepath.Join(sr.scratch, sr.name+".bam"), opts.Threads)
			return err
		})
		if err != nil {
			return err
		}
	}
	var pairing Pairing
	err = sr.stage(StagePairing, func() (err error) {
		p := entry.Provider(opts.Threads)
		pairing, err = ClassifyPairing(p)
		if e := p.Close(); e != nil && err == nil {
			err = e
		}
		return err
	})
	if err != nil {
		return err
	}
	sr.res.Pairing = pairing.String()
	log.Printf("%s: %s", sr.name, pairing)

	var categories []string
	if pairing == Single {
		err = sr.extractSingle(ctx, entry)
	} else {
		categories, err = sr.extractPaired(ctx, entry)
	}
	if err != nil {
		return err
	}

	var artifacts []string
	if !opts.SkipStats {
		reportDir := filepath.Join(sr.outRoot, ReportsDir, sr.name)
		err = sr.stage(StageStats, func() error {
			if err := os.MkdirAll(reportDir, 0755); err != nil {
				return err
			}
			paths, err := Stats(ctx, sr.deps.Runner, entry, categories,
				StatsOpts{Dir: reportDir, Name: sr.name, Threads: opts.Threads})
			artifacts = append(artifacts, paths...)
			return err
		})
		if err != nil {
			return err
		}
		if !opts.SkipReadQC {
			err = sr.stage(StageReadQC, func() error {
				paths, err := ReadQC(ctx, sr.deps.Runner, sr.finals(pairing), reportDir, opts.Threads)
				artifacts = append(artifacts, paths...)
				return err
			})
			if err != nil {
				return err
			}
		}
	}
	for _, a := range artifacts {
		if rel, err := filepath.Rel(sr.outRoot, a); err == nil {
			sr.res.Artifacts = append(sr.res.Artifacts, filepath.ToSlash(rel))
		}
	}
	return sr.stage(StagePublish, func() error {
		return sr.publish(ctx, append(sr.finals(pairing), artifacts...))
	})
}

// finals returns the local paths of the final outputs.
func (sr *sampleRun) finals(pairing Pairing) []string {
	var paths []string
	for _, rel := range FinalPaths(sr.name, pairing) {
		paths = append(paths, filepath.Join(sr.outRoot, rel))
	}
	return paths
}

func (sr *sampleRun) extractSingle(ctx context.Context, entry Collection) error {
	rel := FinalPaths(sr.name, Single)[0]
	return sr.stage(StageExtract, func() error {
		p := entry.Provider(sr.opts.Threads)
		path := filepath.Join(sr.outRoot, rel)
		sum, err := ExtractSingle(ctx, p, path, sr.opts.CompressionLevel)
		if e := p.Close(); e != nil && err == nil {
			err = e
		}
		if err != nil {
			return err
		}
		if err := verifyFastq(ctx, path, sum); err != nil {
			return err
		}
		sr.res.Outputs = []Output{{Path: filepath.ToSlash(rel), Checksum: sum}}
		return nil
	})
}

// extractPaired splits the entry collection by category, extracts the mapped
// and unmapped reads concurrently and joins them. It returns the category
// collections.
func (sr *sampleRun) extractPaired(ctx context.Context, entry Collection) ([]string, error) {
	var split SplitResult
	err := sr.stage(StageSplit, func() (err error) {
		split, err = SplitCategories(ctx, entry, sr.scratch, sr.name, sr.opts.Threads)
		return err
	})
	if err != nil {
		return nil, err
	}
	sr.res.Categories = map[string]int64{}
	for c, n := range split.Counts {
		sr.res.Categories[c.String()] = n
	}
	sr.res.Unpaired = split.Unpaired
	var categories []string
	for _, c := range gbam.Categories {
		categories = append(categories, split.Paths[c])
	}

	sr.table.Expect(sr.s.ID, MappedSource, UnmappedSource)
	err = traverse.Each(2, func(i int) error {
		if i == 0 {
			return sr.stage(StageExtract, func() error {
				mapped := Collection{BAM: split.Paths[gbam.BothMapped]}
				return sr.extractSource(ctx, MappedSource, mapped, split.Counts[gbam.BothMapped])
			})
		}
		unmapped := Collection{BAM: filepath.Join(sr.scratch, sr.name+".unmapped.bam")}
		var n int64
		err := sr.stage(StageMerge, func() error {
			var inputs []string
			for _, c := range gbam.UnmappedCategories {
				inputs = append(inputs, split.Paths[c])
			}
			p := entry.Provider(1)
			header, err := p.GetHeader()
			if e := p.Close(); e != nil && err == nil {
				err = e
			}
			if err != nil {
				return err
			}
			n, err = MergeUnmapped(ctx, inputs, unmapped.BAM, header, sr.opts.Threads)
			return err
		})
		if err != nil {
			return err
		}
		return sr.stage(StageExtract, func() error {
			return sr.extractSource(ctx, UnmappedSource, unmapped, n)
		})
	})
	if err != nil {
		return nil, err
	}

	finals := FinalPaths(sr.name, Paired)
	err = sr.stage(StageJoin, func() error {
		sets, err := sr.table.ReadSets(sr.s.ID)
		if err != nil {
			return err
		}
		res, err := JoinReadSets(ctx, sets,
			filepath.Join(sr.outRoot, finals[0]), filepath.Join(sr.outRoot, finals[1]), sr.opts.CompressionLevel)
		if err != nil {
			return err
		}
		sr.res.Singletons = res.Singletons
		sr.res.Outputs = []Output{
			{Path: filepath.ToSlash(finals[0]), Checksum: res.Mate1},
			{Path: filepath.ToSlash(finals[1]), Checksum: res.Mate2},
		}
		return nil
	})
	return categories, err
}

// extractSource extracts the paired reads of c, which holds n records, and
// reports the result to the join table. An empty collection is reported
// absent.
func (sr *sampleRun) extractSource(ctx context.Context, src Source, c Collection, n int64) error {
	if n == 0 {
		log.Debug.Printf("%s: no %s reads", sr.name, src)
		_, err := sr.table.Absent(sr.s.ID, src)
		return err
	}
	spill, err := newSpillDir(sr.scratch, "collate-"+src.String())
	if err != nil {
		return err
	}
	prefix := filepath.Join(sr.scratch, sr.name+"."+src.String())
	outs := ExtractOutputs{
		Mate1:     prefix + ".1.fq.gz",
		Mate2:     prefix + ".2.fq.gz",
		Singleton: prefix + ".singleton.fq.gz",
	}
	opts := ExtractOpts{
		Collate: CollateOpts{
			Fast:     sr.opts.FastCollate,
			MaxReads: sr.opts.CollateReads,
			// The two extraction branches run concurrently.
			MaxMemory: sr.opts.MaxMemory / 2,
			Dir:       spill,
		},
		CompressionLevel: sr.opts.CompressionLevel,
	}
	p := c.Provider(sr.opts.Threads)
	sums, err := ExtractPaired(ctx, p, outs, opts)
	if e := p.Close(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return err
	}
	_, err = sr.table.Report(sr.s.ID, src, ReadSet{ExtractOutputs: outs, Sums: sums})
	return err
}
