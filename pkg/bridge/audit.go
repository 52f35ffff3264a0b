package bridge

import (
	"io"

	"github.com/segmentio/parquet-go"
)

// Row is one audited injection: a sample whose quantization code was
// recomputed, with enough context to verify the injection offline.
type Row struct {
	Block     int64   `parquet:"block"`
	Sample    int64   `parquet:"sample"`
	Channel   int32   `parquet:"channel"`
	CodeIn    int32   `parquet:"code_in"`
	CodeOut   int32   `parquet:"code_out"`
	Amplitude float64 `parquet:"amplitude"` // sigma units
}

const auditBatch = 4096

// Audit buffers injection rows and writes them to a parquet file in
// batches. meta key/value pairs (typically the serialized run config) are
// stored in the file footer.
type Audit struct {
	file   io.Closer
	writer *parquet.GenericWriter[Row]
	buf    []Row
}

// NewAudit wraps f in a parquet audit writer.
func NewAudit(f io.WriteCloser, meta map[string]string) *Audit {
	opts := make([]parquet.WriterOption, 0, len(meta))
	for k, v := range meta {
		opts = append(opts, parquet.KeyValueMetadata(k, v))
	}
	return &Audit{
		file:   f,
		writer: parquet.NewGenericWriter[Row](f, opts...),
		buf:    make([]Row, 0, auditBatch),
	}
}

// Record queues one row, flushing when the batch fills. Write errors
// surface on the next flush or Close.
func (a *Audit) Record(r Row) error {
	a.buf = append(a.buf, r)
	if len(a.buf) >= auditBatch {
		return a.flush()
	}
	return nil
}

func (a *Audit) flush() error {
	if len(a.buf) == 0 {
		return nil
	}
	_, err := a.writer.Write(a.buf)
	a.buf = a.buf[:0]
	return err
}

// Close flushes pending rows and finalizes the parquet footer.
func (a *Audit) Close() error {
	if err := a.flush(); err != nil {
		a.file.Close()
		return err
	}
	if err := a.writer.Close(); err != nil {
		a.file.Close()
		return err
	}
	return a.file.Close()
}
