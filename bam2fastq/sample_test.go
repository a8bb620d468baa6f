package bam2fastq

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	gbam "github.com/grailbio/bam2fastq/encoding/bam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSample(t *testing.T) {
	s, err := ParseSample("/data/s1.bam")
	require.NoError(t, err)
	assert.Equal(t, Sample{ID: "s1", BAM: "/data/s1.bam"}, s)
	assert.Equal(t, "/data/s1.bam.bai", s.IndexPath())

	s, err = ParseSample("s3://bucket/dir/s2.bam,s3://bucket/idx/s2.bai")
	require.NoError(t, err)
	assert.Equal(t, "s2", s.ID)
	assert.Equal(t, "s3://bucket/idx/s2.bai", s.IndexPath())

	for _, arg := range []string{"", ",x.bai", "a.bam,", "a.bam,b.bai,c"} {
		_, err := ParseSample(arg)
		assert.True(t, errors.Is(errors.Invalid, err), "arg %q: %v", arg, err)
	}
}

func TestParseSamples(t *testing.T) {
	samples, err := ParseSamples([]string{"a/s1.bam", "b/s2.bam,b/s2.bam.bai"})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "s1", samples[0].ID)
	assert.Equal(t, "s2", samples[1].ID)

	_, err = ParseSamples([]string{"a/s1.bam", "b/s1.bam"})
	assert.True(t, errors.Is(errors.Invalid, err))
	_, err = ParseSamples(nil)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestCheckInputs(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	path := singleBAM(t, dir, "s1", 1)
	require.NoError(t, CheckInputs(ctx, []Sample{{ID: "s1", BAM: path}}))
	err := CheckInputs(ctx, []Sample{{ID: "s1", BAM: path}, {ID: "s2", BAM: filepath.Join(dir, "s2.bam")}})
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
}

func TestDerivedName(t *testing.T) {
	regions, err := gbam.ParseRegions([]string{"chr1:1-100", "chrX"})
	require.NoError(t, err)
	assert.Equal(t, "s1", DerivedName("s1", nil))
	assert.Equal(t, "s1.chr1_1-100_chrX", DerivedName("s1", regions))
}

func TestOptsValidate(t *testing.T) {
	valid := DefaultOpts()
	valid.OutputDir = "/out"
	require.NoError(t, valid.Validate())

	aws := valid
	aws.Profile = AWSProfile
	aws.OutputDir = "s3://bucket/prefix"
	aws.AWSRegion = "us-west-2"
	require.NoError(t, aws.Validate())

	for _, test := range []struct {
		name   string
		modify func(o *Opts)
	}{
		{"no output", func(o *Opts) { o.OutputDir = "" }},
		{"no scratch", func(o *Opts) { o.ScratchDir = "" }},
		{"bad region", func(o *Opts) { o.Regions = []string{"chr1:100-50"} }},
		{"collate reads", func(o *Opts) { o.CollateReads = 0 }},
		{"parallelism", func(o *Opts) { o.Parallelism = 0 }},
		{"threads", func(o *Opts) { o.Threads = -1 }},
		{"memory", func(o *Opts) { o.MaxMemory = 0 }},
		{"time", func(o *Opts) { o.MaxTime = -time.Second }},
		{"compression", func(o *Opts) { o.CompressionLevel = 12 }},
		{"email without smtp", func(o *Opts) { o.Email = []string{"a@b.c"} }},
		{"s3 with local profile", func(o *Opts) { o.OutputDir = "s3://bucket/x" }},
		{"aws with local output", func(o *Opts) { o.Profile = AWSProfile; o.AWSRegion = "us-west-2" }},
		{"aws without region", func(o *Opts) { o.Profile = AWSProfile; o.OutputDir = "s3://bucket/x" }},
		{"unknown profile", func(o *Opts) { o.Profile = "gcp" }},
	} {
		o := valid
		test.modify(&o)
		err := o.Validate()
		assert.True(t, errors.Is(errors.Invalid, err), "%s: %v", test.name, err)
	}
}
