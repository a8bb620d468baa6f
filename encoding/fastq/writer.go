package fastq

import (
	"bufio"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

var newline = []byte{'\n'}

// Writer is a FASTQ file writer.
type Writer struct {
	w   io.Writer
	err error
}

// NewWriter constructs a new FASTQ writer
// that writes reads to the underlying writer w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes the read r in FASTQ format.
// An error is returned if the write failed.
func (w *Writer) Write(r *Read) error {
	w.writeln(r.ID)
	w.writeln(r.Seq)
	w.writeln(r.Unk)
	w.writeln(r.Qual)
	return w.err
}

func (w *Writer) writeln(line string) {
	if w.err != nil {
		return
	}
	_, w.err = io.WriteString(w.w, line)
	if w.err == nil {
		_, w.err = w.w.Write(newline)
	}
}

// GzipWriter writes FASTQ reads as a single gzip member. Concatenating the
// output of several GzipWriters yields a valid multi-member gzip file that
// decompresses to the concatenation of their reads.
type GzipWriter struct {
	*Writer
	buf *bufio.Writer
	gz  *gzip.Writer
}

// NewGzipWriter creates a GzipWriter that writes to w at the given gzip
// compression level. Close must be called to flush the gzip trailer. Close
// does not close w.
func NewGzipWriter(w io.Writer, level int) (*GzipWriter, error) {
	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, errors.Wrapf(err, "gzip level %d", level)
	}
	buf := bufio.NewWriterSize(gz, 1<<20)
	return &GzipWriter{Writer: NewWriter(buf), buf: buf, gz: gz}, nil
}

// Close flushes buffered reads and the gzip trailer.
func (w *GzipWriter) Close() error {
	if w.err != nil {
		return w.err
	}
	if err := w.buf.Flush(); err != nil {
		return errors.Wrap(err, "flush fastq")
	}
	return errors.Wrap(w.gz.Close(), "close gzip")
}
