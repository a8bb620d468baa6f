package main

/*
  bio-bam2fastq converts aligned BAM files back to gzip FASTQ.

    bio-bam2fastq -output out [flags] sample1.bam sample2.bam,sample2.bai ...

  For more information, see github.com/grailbio/bam2fastq/bam2fastq/doc.go.

  Exit status: 0 if every sample succeeded, 1 on a configuration error, 2 if
  some samples failed, 3 if the batch was aborted by -fail-fast.
*/

import (
	"flag"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bam2fastq/bam2fastq"
)

var defaults = bam2fastq.DefaultOpts()

var (
	outputDir        = flag.String("output", "", "Output directory, or s3://bucket/prefix with -profile=aws")
	scratchDir       = flag.String("scratch-dir", defaults.ScratchDir, "Directory to put scratch files")
	keepScratch      = flag.Bool("keep-scratch", false, "Keep scratch files after the run")
	regions          = flag.String("regions", "", "Comma-separated region tokens, 'chr' or 'chr:beg-end' (1-based, closed). Records overlapping any region are kept")
	indexSupplied    = flag.Bool("index-supplied", false, "Every input already has an index (bam.bai, or given as 'bam,bai')")
	fastCollate      = flag.Bool("fast-collate", false, "Match mates while streaming instead of collating all reads by name")
	collateReads     = flag.Int("collate-reads", defaults.CollateReads, "Number of unmatched reads held in memory by -fast-collate")
	skipReadQC       = flag.Bool("skip-read-qc", false, "Do not run fastqc on the outputs")
	skipStats        = flag.Bool("skip-stats", false, "Do not compute any statistics, read QC or aggregated reports")
	email            = flag.String("email", "", "Comma-separated addresses notified when the run finishes")
	emailFrom        = flag.String("email-from", "bam2fastq@localhost", "Sender of notifications")
	smtpAddr         = flag.String("smtp", "", "host:port of the SMTP relay used for notifications")
	parallelism      = flag.Int("parallelism", defaults.Parallelism, "Number of samples processed concurrently")
	threads          = flag.Int("threads", defaults.Threads, "Threads per unit of work, passed to readers, writers and external tools")
	maxMemory        = flag.Int64("max-memory", defaults.MaxMemory, "Memory budget of one unit of work, in bytes")
	maxTime          = flag.Duration("max-time", 0, "Wall time limit per sample; 0 means no limit")
	failFast         = flag.Bool("fail-fast", false, "Abort the whole batch when any sample fails")
	compressionLevel = flag.Int("compression-level", defaults.CompressionLevel, "gzip level of the FASTQ outputs")
	profile          = flag.String("profile", defaults.Profile, "Execution profile: 'local' or 'aws'")
	awsRegion        = flag.String("aws-region", "", "AWS region of the output bucket (aws profile)")
)

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func main() {
	shutdown := grail.Init()
	code := run()
	shutdown()
	os.Exit(code)
}

func run() int {
	opts := bam2fastq.Opts{
		OutputDir:        *outputDir,
		ScratchDir:       *scratchDir,
		KeepScratch:      *keepScratch,
		IndexSupplied:    *indexSupplied,
		FastCollate:      *fastCollate,
		CollateReads:     *collateReads,
		SkipReadQC:       *skipReadQC,
		SkipStats:        *skipStats,
		Email:            splitList(*email),
		EmailFrom:        *emailFrom,
		SMTPAddr:         *smtpAddr,
		Parallelism:      *parallelism,
		Threads:          *threads,
		MaxMemory:        *maxMemory,
		MaxTime:          *maxTime,
		FailFast:         *failFast,
		CompressionLevel: *compressionLevel,
		Profile:          *profile,
		AWSRegion:        *awsRegion,
	}
	if *regions != "" {
		opts.Regions = []string{*regions}
	}
	if err := opts.Validate(); err != nil {
		log.Error.Printf("%v", err)
		return 1
	}
	samples, err := bam2fastq.ParseSamples(flag.Args())
	if err != nil {
		log.Error.Printf("%v", err)
		return 1
	}
	ctx := vcontext.Background()
	if err := bam2fastq.CheckInputs(ctx, samples); err != nil {
		log.Error.Printf("%v", err)
		return 1
	}

	deps := bam2fastq.Deps{Runner: bam2fastq.ExecRunner{}}
	if len(opts.Email) > 0 {
		deps.Notifier = &bam2fastq.SMTPNotifier{Addr: opts.SMTPAddr, From: opts.EmailFrom, To: opts.Email}
	}
	if opts.Profile == bam2fastq.AWSProfile {
		sess, err := bam2fastq.NewAWSSession(opts.AWSRegion)
		if err != nil {
			log.Error.Printf("%v", err)
			return 1
		}
		if err := bam2fastq.ValidateCloudOutput(ctx, s3.New(sess), opts.OutputDir); err != nil {
			log.Error.Printf("%v", err)
			return 1
		}
		if deps.Publisher, err = bam2fastq.NewS3Publisher(sess, opts.OutputDir); err != nil {
			log.Error.Printf("%v", err)
			return 1
		}
	}

	res, err := bam2fastq.Run(ctx, opts, samples, deps)
	switch {
	case res == nil:
		log.Error.Printf("%v", err)
		return 1
	case err != nil:
		log.Error.Printf("%v", err)
		return 3
	case res.Failed() > 0 || res.ReportErr != "":
		return 2
	}
	log.Debug.Printf("exiting")
	return 0
}
