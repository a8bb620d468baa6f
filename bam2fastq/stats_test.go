package bam2fastq

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	gbam "github.com/grailbio/bam2fastq/encoding/bam"
	"github.com/grailbio/bam2fastq/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"v.io/x/lib/gosh"
	"v.io/x/lib/lookpath"
)

func TestFlagstat(t *testing.T) {
	h := testHeader(t)
	chr1, chr2 := h.Refs()[0], h.Refs()[1]
	recs := append(mappedPair("a", chr1, 10), unmappedPair("b")...)
	recs = append(recs, halfMappedPair("c", chr1, 50)...)
	// Mate on another reference.
	d := mappedPair("d", chr1, 70)
	d[0].MateRef = chr2
	d[0].MapQ = 60
	recs = append(recs, d[0])
	dup := mappedPair("e", chr1, 90)[0]
	dup.Flags |= sam.Duplicate | sam.QCFail
	recs = append(recs, dup)

	var buf bytes.Buffer
	require.NoError(t, Flagstat(vcontext.Background(), bamprovider.NewFakeProvider(h, recs), &buf))
	assert.Equal(t, []string{
		"7 + 1 in total (QC-passed reads + QC-failed reads)",
		"0 + 0 secondary",
		"0 + 0 supplementary",
		"0 + 1 duplicates",
		"4 + 1 mapped (57.14%:100.00%)",
		"7 + 1 paired in sequencing",
		"4 + 1 read1",
		"3 + 0 read2",
		"3 + 1 properly paired (42.86%:100.00%)",
		"3 + 1 with itself and mate mapped",
		"1 + 0 singletons (14.29%:0.00%)",
		"1 + 0 with mate mapped to a different chr",
		"1 + 0 with mate mapped to a different chr (mapQ>=5)",
	}, strings.Split(strings.TrimSpace(buf.String()), "\n"))
}

func TestIdxstats(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := pairedBAM(t, dir, "s1", 3, 1)
	var buf bytes.Buffer
	require.NoError(t, Idxstats(vcontext.Background(), Collection{BAM: path, Index: path + ".bai"}, &buf))
	assert.Equal(t, "chr1\t100000\t4\t0\nchr2\t100000\t2\t0\n*\t0\t0\t2\n", buf.String())
}

// TestIdxstatsSamtools compares Idxstats with samtools reading the index
// written by WriteIndexFile.
func TestIdxstatsSamtools(t *testing.T) {
	sh := gosh.NewShell(t)
	defer sh.Cleanup()
	if _, err := lookpath.Look(sh.Vars, "samtools"); err != nil {
		t.Skip("samtools not found")
	}
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	path := pairedBAM(t, dir, "s1", 7, 3)
	scratch := filepath.Join(dir, "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0755))
	c, err := EnsureIndex(ctx, Sample{ID: "s1", BAM: path}, false, scratch, 1)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, Idxstats(ctx, c, &buf))
	want := sh.Cmd("samtools", "idxstats", path).Stdout()
	require.NoError(t, sh.Err)
	assert.Equal(t, want, buf.String())
}

func TestStats(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	path := pairedBAM(t, dir, "s1", 2, 1)
	entry := Collection{BAM: path, Index: path + ".bai"}
	split, err := SplitCategories(ctx, entry, dir, "s1", 1)
	require.NoError(t, err)
	reports := filepath.Join(dir, "reports")
	require.NoError(t, os.MkdirAll(reports, 0755))

	runner := &fakeRunner{}
	extra := []string{split.Paths[gbam.BothMapped]}
	artifacts, err := Stats(ctx, runner, entry, extra, StatsOpts{Dir: reports, Name: "s1", Threads: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(reports, "s1.flagstat"),
		filepath.Join(reports, "s1.idxstats"),
		filepath.Join(reports, "s1.stats"),
		filepath.Join(reports, "s1.both_mapped.stats"),
	}, artifacts)
	require.Len(t, runner.tools, 2)
	assert.Equal(t, []string{"stats", "-@", "3", path}, runner.tools[0].Args)
	assert.Equal(t, filepath.Join(reports, "s1.stats"), runner.tools[0].Stdout)

	flagstat, err := ioutil.ReadFile(artifacts[0])
	require.NoError(t, err)
	assert.Contains(t, string(flagstat), "6 + 0 in total")

	runner = &fakeRunner{fail: map[string]bool{"samtools": true}}
	_, err = Stats(ctx, runner, entry, nil, StatsOpts{Dir: reports, Name: "s1", Threads: 1})
	assert.True(t, errors.Is(errors.Unavailable, err), "%v", err)
}

func TestReadQC(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	fq := filepath.Join(dir, "s1.1.fq.gz")
	require.NoError(t, ioutil.WriteFile(fq, nil, 0644))

	runner := &fakeRunner{}
	outputs, err := ReadQC(ctx, runner, []string{fq}, dir, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "s1.1_fastqc.html"),
		filepath.Join(dir, "s1.1_fastqc.zip"),
	}, outputs)
	assert.Equal(t, []string{"--threads", "2", "-o", dir, fq}, runner.tools[0].Args)

	_, err = ReadQC(ctx, runner, []string{filepath.Join(dir, "missing.fq.gz")}, dir, 2)
	assert.True(t, errors.Is(errors.NotExist, err), "%v", err)

	outputs, err = ReadQC(ctx, runner, nil, dir, 2)
	require.NoError(t, err)
	assert.Len(t, outputs, 0)
}

func TestFastqcName(t *testing.T) {
	for _, test := range []struct{ in, want string }{
		{"s1.1.fq.gz", "s1.1"},
		{"s1.singleton.fastq.gz", "s1.singleton"},
		{"s1.fastq", "s1"},
		{"reads.txt.gz", "reads.txt"},
	} {
		assert.Equal(t, test.want, fastqcName(test.in), test.in)
	}
}
