package columnar

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet/file"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"

	"github.com/helix-tools/dataroom/types"
)

// DefaultChunkRows is the chunk length used by streaming reads.
const DefaultChunkRows = 10000

// ChunkReader yields a Parquet blob as frames of exactly n rows; only the
// last chunk may be shorter.
type ChunkReader struct {
	pf      *file.Reader
	rr      pqarrow.RecordReader
	schema  types.Schema
	n       int
	pending *Frame
	done    bool
}

// NewChunkReader opens data for chunked reading.
func NewChunkReader(ctx context.Context, data []byte, n int) (*ChunkReader, error) {
	if n <= 0 {
		n = DefaultChunkRows
	}
	pf, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, corrupt(err)
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: int64(n)}, memory.NewGoAllocator())
	if err != nil {
		pf.Close()
		return nil, corrupt(err)
	}
	arrSchema, err := fr.Schema()
	if err != nil {
		pf.Close()
		return nil, corrupt(err)
	}
	schema, err := readSchema(pf, arrSchema)
	if err != nil {
		pf.Close()
		return nil, corrupt(err)
	}
	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		pf.Close()
		return nil, corrupt(err)
	}
	return &ChunkReader{
		pf:      pf,
		rr:      rr,
		schema:  schema,
		n:       n,
		pending: NewFrame(schema),
	}, nil
}

// Schema returns the semantic schema of the blob.
func (c *ChunkReader) Schema() types.Schema { return c.schema }

// NumRows returns the total row count recorded in the file footer.
func (c *ChunkReader) NumRows() int64 { return c.pf.NumRows() }

// Next returns the next chunk or io.EOF.
func (c *ChunkReader) Next() (*Frame, error) {
	for !c.done && c.pending.Rows() < c.n {
		rec, err := c.rr.Read()
		if errors.Is(err, io.EOF) {
			c.done = true
			break
		}
		if err != nil {
			return nil, corrupt(err)
		}
		for j, col := range c.pending.Columns {
			if err := appendArray(col, rec.Column(j)); err != nil {
				return nil, corrupt(err)
			}
		}
	}

	if c.pending.Rows() == 0 {
		return nil, io.EOF
	}
	if c.pending.Rows() <= c.n {
		out := c.pending
		c.pending = NewFrame(c.schema)
		return out, nil
	}

	out := NewFrame(c.schema)
	rest := NewFrame(c.schema)
	for j, col := range c.pending.Columns {
		out.Columns[j].Values = append([]any(nil), col.Values[:c.n]...)
		rest.Columns[j].Values = append([]any(nil), col.Values[c.n:]...)
	}
	c.pending = rest
	return out, nil
}

// Close releases the reader.
func (c *ChunkReader) Close() error {
	c.rr.Release()
	return c.pf.Close()
}
