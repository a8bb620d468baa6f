// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package bam2fastq converts aligned BAM collections back to the gzip FASTQ
files they were sequenced as.

Each sample goes through these stages:

  index             compute (or check) the .bai index of the input
  region_filter     optionally keep only records overlapping region tokens
  classify_pairing  decide from the leading records whether reads are paired
  split_categories  paired: partition records by mapping status of read/mate
  merge_unmapped    paired: concatenate the three categories with an unmapped
                    member
  extract           collate mates by name and write gzip FASTQ
  join              paired: concatenate mapped and unmapped FASTQ per mate
  stats, read_qc    flagstat, idxstats, samtools stats and fastqc reports
  publish           upload outputs (aws profile)

The final outputs of a paired sample are <name>.1.fq.gz and <name>.2.fq.gz
under OutputDir/reads; reads whose mate is missing are counted and left out.
A single-end sample yields <name>.singleton.fq.gz.

Samples are independent: the failure of one is recorded in the run summary
and does not affect the others unless Opts.FailFast is set.
*/
package bam2fastq
