package bam2fastq

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bam2fastq/encoding/fastq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunResult() *RunResult {
	start := time.Date(2019, 6, 1, 10, 0, 0, 0, time.UTC)
	return &RunResult{
		RunID:    "run1",
		Hostname: "host",
		Start:    start,
		End:      start.Add(time.Hour),
		Opts:     Opts{OutputDir: "/out"},
		Samples: []SampleResult{
			{
				ID: "s1", Name: "s1", Pairing: "paired",
				Outputs: []Output{
					{Path: "reads/s1.1.fq.gz", Checksum: fastq.Checksum{NReads: 10}},
					{Path: "reads/s1.2.fq.gz", Checksum: fastq.Checksum{NReads: 10}},
				},
			},
			{ID: "s2", Name: "s2", Stage: StageIndex, Err: "missing input s2.bam"},
		},
	}
}

func TestSMTPNotifier(t *testing.T) {
	var (
		gotAddr, gotFrom string
		gotTo            []string
		msg              string
	)
	n := &SMTPNotifier{
		Addr: "smtp.example.com:25",
		From: "bam2fastq@example.com",
		To:   []string{"a@example.com", "b@example.com"},
		Send: func(addr, from string, to []string, m []byte) error {
			gotAddr, gotFrom, gotTo, msg = addr, from, to, string(m)
			return nil
		},
	}
	require.NoError(t, n.Notify(vcontext.Background(), testRunResult()))
	assert.Equal(t, "smtp.example.com:25", gotAddr)
	assert.Equal(t, "bam2fastq@example.com", gotFrom)
	assert.Equal(t, n.To, gotTo)
	assert.Contains(t, msg, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, msg, "Subject: bam2fastq run run1: 1 of 2 samples failed\r\n")
	assert.Contains(t, msg, "s1: ok, paired, 20 reads\r\n")
	assert.Contains(t, msg, "s2: FAILED at index: missing input s2.bam\r\n")

	res := testRunResult()
	res.Samples = res.Samples[:1]
	require.NoError(t, n.Notify(vcontext.Background(), res))
	assert.True(t, strings.Contains(msg, "Subject: bam2fastq run run1: succeeded\r\n"), msg)
}

func TestNotifyFailureIsLogged(t *testing.T) {
	var calls int
	n := &SMTPNotifier{To: []string{"a@example.com"}, Send: func(string, string, []string, []byte) error {
		calls++
		return fmt.Errorf("connection refused")
	}}
	// Does not panic or propagate.
	notify(vcontext.Background(), n, testRunResult())
	assert.Equal(t, 1, calls)
	notify(vcontext.Background(), nil, testRunResult())

	// No recipients: nothing is sent.
	n.To = nil
	require.NoError(t, n.Notify(vcontext.Background(), testRunResult()))
	assert.Equal(t, 1, calls)
}
