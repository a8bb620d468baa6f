// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
)

// ReadQC runs fastqc on the given FASTQ files, writing its reports to dir. It
// returns the paths of the reports.
func ReadQC(ctx context.Context, runner ToolRunner, fastqs []string, dir string, threads int) ([]string, error) {
	if len(fastqs) == 0 {
		return nil, nil
	}
	var outputs []string
	for _, fq := range fastqs {
		base := fastqcName(filepath.Base(fq))
		outputs = append(outputs,
			filepath.Join(dir, base+"_fastqc.html"),
			filepath.Join(dir, base+"_fastqc.zip"))
	}
	args := append([]string{"--threads", strconv.Itoa(threads), "-o", dir}, fastqs...)
	if _, err := runner.Run(ctx, Tool{Name: "fastqc", Args: args, Inputs: fastqs, Outputs: outputs}); err != nil {
		return nil, err
	}
	return outputs, nil
}

// fastqcName returns the report name fastqc derives from a FASTQ file name.
func fastqcName(name string) string {
	name = strings.TrimSuffix(name, ".gz")
	for _, ext := range []string{".fastq", ".fq"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}
