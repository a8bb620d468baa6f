// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bam2fastq/encoding/fastq"
)

// Stage names a step of the per-sample pipeline.
type Stage string

// Stages, in execution order.
const (
	StageIndex        Stage = "index"
	StageRegionFilter Stage = "region_filter"
	StagePairing      Stage = "classify_pairing"
	StageSplit        Stage = "split_categories"
	StageMerge        Stage = "merge_unmapped"
	StageExtract      Stage = "extract"
	StageJoin         Stage = "join"
	StageStats        Stage = "stats"
	StageReadQC       Stage = "read_qc"
	StagePublish      Stage = "publish"
)

// Output is a final FASTQ file of a sample.
type Output struct {
	// Path is relative to the output root.
	Path     string         `json:"path"`
	Checksum fastq.Checksum `json:"checksum"`
}

// SampleResult is the outcome of one sample.
type SampleResult struct {
	// ID is the original sample ID.
	ID string `json:"id"`
	// Name is the derived name used for outputs.
	Name    string `json:"name"`
	BAM     string `json:"bam"`
	Pairing string `json:"pairing,omitempty"`
	// Stage is the stage that failed, if any.
	Stage Stage  `json:"failed_stage,omitempty"`
	Err   string `json:"error,omitempty"`

	// RegionRecords is the number of records kept by the region filter.
	RegionRecords int64            `json:"region_records,omitempty"`
	Categories    map[string]int64 `json:"categories,omitempty"`
	Unpaired      int64            `json:"unpaired,omitempty"`
	// Singletons is the number of paired-sample reads left out of the final
	// outputs because their mate was absent.
	Singletons int64 `json:"singletons,omitempty"`

	Outputs   []Output `json:"outputs,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// OK returns true if the sample completed every stage.
func (s *SampleResult) OK() bool { return s.Err == "" }

// Reads returns the number of reads in the sample's final outputs.
func (s *SampleResult) Reads() int64 {
	var n int64
	for _, o := range s.Outputs {
		n += o.Checksum.NReads
	}
	return n
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID     string         `json:"run_id"`
	Hostname  string         `json:"hostname"`
	GoVersion string         `json:"go_version"`
	Start     time.Time      `json:"start"`
	End       time.Time      `json:"end"`
	Opts      Opts           `json:"opts"`
	Samples   []SampleResult `json:"samples"`
	// ReportErr describes a failure to aggregate or publish the run
	// reports.
	ReportErr string `json:"report_error,omitempty"`
}

// Failed returns the number of failed samples.
func (r *RunResult) Failed() int {
	var n int
	for i := range r.Samples {
		if !r.Samples[i].OK() {
			n++
		}
	}
	return n
}

// Summary file names under the reports directory.
const (
	RunSummaryFile = "run_summary.json"
	SamplesFile    = "samples.tsv"
	MultiQCDir     = "multiqc"
)

// AggregateReports writes the run summary and the per-sample table to
// reportsDir, then, unless skipStats is set, runs multiqc over reportsDir.
// It returns the paths of the files it wrote.
func AggregateReports(ctx context.Context, runner ToolRunner, res *RunResult, reportsDir string, skipStats bool) ([]string, error) {
	summary := filepath.Join(reportsDir, RunSummaryFile)
	err := writeFile(ctx, summary, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	})
	if err != nil {
		return nil, errors.E(err, "write run summary")
	}
	samples := filepath.Join(reportsDir, SamplesFile)
	if err := writeFile(ctx, samples, func(w io.Writer) error { return writeSamplesTSV(w, res) }); err != nil {
		return nil, errors.E(err, "write sample table")
	}
	paths := []string{summary, samples}
	if skipStats {
		return paths, nil
	}
	out := filepath.Join(reportsDir, MultiQCDir)
	report := filepath.Join(out, "multiqc_report.html")
	_, err = runner.Run(ctx, Tool{
		Name:    "multiqc",
		Args:    []string{"--force", "-o", out, reportsDir},
		Inputs:  []string{reportsDir},
		Outputs: []string{report},
	})
	if err != nil {
		return paths, err
	}
	log.Printf("reports aggregated in %s", out)
	return append(paths, report), nil
}

func writeSamplesTSV(w io.Writer, res *RunResult) error {
	tw := tsv.NewWriter(w)
	for _, col := range []string{"id", "name", "bam", "pairing", "status", "failed_stage", "reads", "singletons", "outputs"} {
		tw.WriteString(col)
	}
	if err := tw.EndLine(); err != nil {
		return err
	}
	for i := range res.Samples {
		s := &res.Samples[i]
		status := "ok"
		if !s.OK() {
			status = "failed"
		}
		var outputs []string
		for _, o := range s.Outputs {
			outputs = append(outputs, o.Path)
		}
		tw.WriteString(s.ID)
		tw.WriteString(s.Name)
		tw.WriteString(s.BAM)
		tw.WriteString(s.Pairing)
		tw.WriteString(status)
		tw.WriteString(string(s.Stage))
		tw.WriteInt64(s.Reads())
		tw.WriteInt64(s.Singletons)
		tw.WriteString(strings.Join(outputs, ","))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
