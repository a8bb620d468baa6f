package bam2fastq

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bam2fastq/encoding/bam/bamtest"
	"github.com/grailbio/bam2fastq/encoding/bamprovider"
	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOpts(dir string) Opts {
	opts := DefaultOpts()
	opts.OutputDir = filepath.Join(dir, "out")
	opts.ScratchDir = filepath.Join(dir, "scratch")
	opts.Parallelism = 2
	opts.MaxMemory = 1 << 20
	opts.CompressionLevel = gzip.BestSpeed
	return opts
}

func sampleOf(t *testing.T, path string) Sample {
	s, err := ParseSample(path)
	require.NoError(t, err)
	return s
}

func countTools(r *fakeRunner) map[string]int {
	counts := map[string]int{}
	for _, name := range r.names() {
		counts[name]++
	}
	return counts
}

func TestRun(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	in := filepath.Join(dir, "in")
	require.NoError(t, os.MkdirAll(in, 0755))
	samples := []Sample{
		sampleOf(t, pairedBAM(t, in, "s1", 6, 2)),
		sampleOf(t, singleBAM(t, in, "s2", 5)),
	}
	opts := testOpts(dir)
	runner := &fakeRunner{}
	res, err := Run(ctx, opts, samples, Deps{Runner: runner})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed())
	assert.Empty(t, res.ReportErr)
	require.Len(t, res.Samples, 2)

	s1 := res.Samples[0]
	assert.Equal(t, "s1", s1.ID)
	assert.Equal(t, "paired", s1.Pairing)
	assert.Equal(t, int64(12), s1.Categories["both_mapped"])
	assert.Equal(t, int64(4), s1.Categories["both_unmapped"])
	r1 := readFastq(t, filepath.Join(opts.OutputDir, "reads", "s1.1.fq.gz"))
	r2 := readFastq(t, filepath.Join(opts.OutputDir, "reads", "s1.2.fq.gz"))
	assert.Len(t, r1, 8)
	assert.Equal(t, readNames(r1), readNames(r2))
	assert.Equal(t, []string{"m00", "m01", "m02", "m03", "m04", "m05", "u00", "u01"}, sortedNames(r1))
	require.Len(t, s1.Outputs, 2)
	assert.Equal(t, "reads/s1.1.fq.gz", s1.Outputs[0].Path)
	assert.Equal(t, checksumFile(t, filepath.Join(opts.OutputDir, s1.Outputs[0].Path)), s1.Outputs[0].Checksum)
	assert.Equal(t, checksumFile(t, filepath.Join(opts.OutputDir, s1.Outputs[1].Path)), s1.Outputs[1].Checksum)
	assert.Contains(t, s1.Artifacts, "reports/s1/s1.flagstat")
	assert.Contains(t, s1.Artifacts, "reports/s1/s1.1_fastqc.html")

	s2 := res.Samples[1]
	assert.Equal(t, "single", s2.Pairing)
	require.Len(t, s2.Outputs, 1)
	assert.Equal(t, "reads/s2.singleton.fq.gz", s2.Outputs[0].Path)
	assert.Len(t, readFastq(t, filepath.Join(opts.OutputDir, "reads", "s2.singleton.fq.gz")), 5)
	assert.Equal(t, int64(5), s2.Reads())

	// samtools runs on the entry collection and the four categories of the
	// paired sample, and on the entry collection of the single sample.
	assert.Equal(t, map[string]int{"samtools": 6, "fastqc": 2, "multiqc": 1}, countTools(runner))
	for _, name := range []string{RunSummaryFile, SamplesFile} {
		_, err := os.Stat(filepath.Join(opts.OutputDir, ReportsDir, name))
		assert.NoError(t, err, name)
	}

	// Scratch space is gone.
	_, err = os.Stat(filepath.Join(opts.ScratchDir, res.RunID))
	assert.True(t, os.IsNotExist(err), "%v", err)
}

func TestRunUnmappedOnly(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	path := pairedBAM(t, dir, "s1", 0, 5)
	opts := testOpts(dir)
	opts.SkipStats = true
	res, err := Run(ctx, opts, []Sample{sampleOf(t, path)}, Deps{})
	require.NoError(t, err)
	require.Equal(t, 0, res.Failed(), "%+v", res.Samples)

	// With no mapped reads, the final outputs are exactly the extraction of
	// the unmapped reads.
	outs := ExtractOutputs{
		Mate1:     filepath.Join(dir, "direct.1.fq.gz"),
		Mate2:     filepath.Join(dir, "direct.2.fq.gz"),
		Singleton: filepath.Join(dir, "direct.singleton.fq.gz"),
	}
	h, recs := bamtest.ReadBAM(t, path)
	_, err = ExtractPaired(ctx, bamprovider.NewFakeProvider(h, recs), outs,
		ExtractOpts{Collate: CollateOpts{MaxReads: 100, MaxMemory: 1 << 20, Dir: dir}, CompressionLevel: opts.CompressionLevel})
	require.NoError(t, err)
	for i, direct := range []string{outs.Mate1, outs.Mate2} {
		want, err := ioutil.ReadFile(direct)
		require.NoError(t, err)
		got, err := ioutil.ReadFile(filepath.Join(opts.OutputDir, FinalPaths("s1", Paired)[i]))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRunRegions(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	opts := testOpts(dir)
	opts.SkipStats = true

	opts.Regions = []string{"chr1"}
	path := pairedBAM(t, dir, "s1", 6, 2)
	res, err := Run(ctx, opts, []Sample{sampleOf(t, path)}, Deps{})
	require.NoError(t, err)
	s1 := res.Samples[0]
	require.True(t, s1.OK(), s1.Err)
	assert.Equal(t, "s1.chr1", s1.Name)
	assert.Equal(t, int64(6), s1.RegionRecords)
	r1 := readFastq(t, filepath.Join(opts.OutputDir, "reads", "s1.chr1.1.fq.gz"))
	assert.Equal(t, []string{"m00", "m02", "m04"}, sortedNames(r1))

	// A contig missing from one input fails that sample only.
	h3 := bamtest.NewHeader(t, []string{"chr1", "chr2", "chr3"}, []int{100000, 100000, 100000})
	chr3 := h3.Refs()[2]
	recs := append(mappedPair("a", chr3, 10), mappedPair("b", chr3, 500)...)
	sortRecords(recs)
	s3path := filepath.Join(dir, "s3.bam")
	bamtest.WriteBAM(t, s3path, h3, recs, true)

	opts.Regions = []string{"chr3"}
	res, err = Run(ctx, opts, []Sample{sampleOf(t, path), sampleOf(t, s3path)}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed())
	assert.Equal(t, StageRegionFilter, res.Samples[0].Stage)
	assert.Contains(t, res.Samples[0].Err, "chr3")
	assert.True(t, res.Samples[1].OK(), res.Samples[1].Err)
	assert.Equal(t, "s3.chr3", res.Samples[1].Name)
	assert.Equal(t, int64(2), res.Samples[1].Outputs[0].Checksum.NReads)
}

func TestRunFailures(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	good := pairedBAM(t, dir, "good", 2, 1)
	missing := Sample{ID: "missing", BAM: filepath.Join(dir, "missing.bam")}

	opts := testOpts(dir)
	runner := &fakeRunner{fail: map[string]bool{"fastqc": true}}
	res, err := Run(ctx, opts, []Sample{missing, sampleOf(t, good)}, Deps{Runner: runner})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed())
	assert.Equal(t, StageIndex, res.Samples[0].Stage)
	assert.Equal(t, StageReadQC, res.Samples[1].Stage)
	// Reports are still aggregated.
	_, err = os.Stat(filepath.Join(opts.OutputDir, ReportsDir, RunSummaryFile))
	assert.NoError(t, err)

	opts.FailFast = true
	opts.Parallelism = 1
	opts.IndexSupplied = true
	res, err = Run(ctx, opts, []Sample{missing, sampleOf(t, good)}, Deps{Runner: &fakeRunner{}})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, errors.Is(errors.NotExist, err), "%v", err)
	assert.Equal(t, StageIndex, res.Samples[0].Stage)

	// Invalid options fail before any sample starts.
	opts.Threads = 0
	res, err = Run(ctx, opts, []Sample{sampleOf(t, good)}, Deps{})
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	assert.Nil(t, res)
}

func TestRunSkipStats(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	opts := testOpts(dir)
	opts.SkipStats = true
	opts.KeepScratch = true
	runner := &fakeRunner{}
	res, err := Run(vcontext.Background(), opts, []Sample{sampleOf(t, singleBAM(t, dir, "s1", 3))}, Deps{Runner: runner})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed())
	assert.Len(t, runner.names(), 0)
	assert.Len(t, res.Samples[0].Artifacts, 0)
	_, err = os.Stat(filepath.Join(opts.ScratchDir, res.RunID))
	assert.NoError(t, err, "scratch is kept")
}

// recordingPublisher keeps the content of every published file.
type recordingPublisher struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (p *recordingPublisher) Publish(ctx context.Context, local, rel string) error {
	data, err := ioutil.ReadFile(local)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.files == nil {
		p.files = map[string][]byte{}
	}
	p.files[rel] = data
	return nil
}

func (p *recordingPublisher) paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var paths []string
	for rel := range p.files {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths
}

type countingNotifier struct {
	results []*RunResult
}

func (n *countingNotifier) Notify(ctx context.Context, res *RunResult) error {
	n.results = append(n.results, res)
	return nil
}

func TestRunPublish(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	opts := testOpts(dir)
	pub := &recordingPublisher{}
	notifier := &countingNotifier{}
	path := pairedBAM(t, dir, "s1", 2, 0)
	res, err := Run(vcontext.Background(), opts, []Sample{sampleOf(t, path)},
		Deps{Runner: &fakeRunner{}, Publisher: pub, Notifier: notifier})
	require.NoError(t, err)
	require.Equal(t, 0, res.Failed(), res.Samples[0].Err)
	assert.Empty(t, res.ReportErr)

	assert.Equal(t, []string{
		"reads/s1.1.fq.gz",
		"reads/s1.2.fq.gz",
		"reports/multiqc/multiqc_report.html",
		"reports/run_summary.json",
		"reports/s1/s1.1_fastqc.html",
		"reports/s1/s1.1_fastqc.zip",
		"reports/s1/s1.2_fastqc.html",
		"reports/s1/s1.2_fastqc.zip",
		"reports/s1/s1.both_mapped.stats",
		"reports/s1/s1.both_unmapped.stats",
		"reports/s1/s1.flagstat",
		"reports/s1/s1.idxstats",
		"reports/s1/s1.mapped_mate_unmapped.stats",
		"reports/s1/s1.stats",
		"reports/s1/s1.unmapped_mate_mapped.stats",
		"reports/samples.tsv",
	}, pub.paths())
	// Nothing is written to the output directory itself.
	_, err = os.Stat(opts.OutputDir)
	assert.True(t, os.IsNotExist(err), "%v", err)

	require.Len(t, notifier.results, 1)
	assert.Equal(t, res, notifier.results[0])
}

func TestFinalPaths(t *testing.T) {
	assert.Equal(t, []string{"reads/x.singleton.fq.gz"}, FinalPaths("x", Single))
	assert.Equal(t, []string{"reads/x.1.fq.gz", "reads/x.2.fq.gz"}, FinalPaths("x", Paired))
}
