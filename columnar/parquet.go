package columnar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet"
	"github.com/apache/arrow/go/v10/parquet/compress"
	"github.com/apache/arrow/go/v10/parquet/file"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/types"
)

// SchemaMetadataKey holds the semantic schema in the Parquet key/value metadata.
const SchemaMetadataKey = "dataroom.schema"

// ZstdLevel is the compression level used for stored blobs.
const ZstdLevel = 19

// rowGroupSize bounds the rows per Parquet row group.
const rowGroupSize = 64 * 1024

func arrowType(t types.SemanticType) arrow.DataType {
	switch t {
	case types.TypeInteger:
		return arrow.PrimitiveTypes.Int64
	case types.TypeReal:
		return arrow.PrimitiveTypes.Float64
	case types.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean
	case types.TypeTimestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	default:
		return arrow.BinaryTypes.String
	}
}

// toRecord builds an Arrow record from f. The caller releases it.
func toRecord(f *Frame, mem memory.Allocator) (arrow.Record, error) {
	schemaJSON, err := json.Marshal(f.Schema())
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema metadata: %w", err)
	}
	md := arrow.NewMetadata([]string{SchemaMetadataKey}, []string{string(schemaJSON)})

	fields := make([]arrow.Field, len(f.Columns))
	cols := make([]arrow.Array, len(f.Columns))
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	for j, c := range f.Columns {
		dt := arrowType(c.Type)
		fields[j] = arrow.Field{Name: c.Name, Type: dt, Nullable: true}
		arr, err := buildArray(c, dt, mem)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		cols[j] = arr
	}

	schema := arrow.NewSchema(fields, &md)
	return array.NewRecord(schema, cols, int64(f.Rows())), nil
}

func buildArray(c *Column, dt arrow.DataType, mem memory.Allocator) (arrow.Array, error) {
	switch c.Type {
	case types.TypeInteger:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		for _, v := range c.Values {
			x, ok := v.(int64)
			if !ok {
				b.AppendNull()
				continue
			}
			b.Append(x)
		}
		return b.NewArray(), nil
	case types.TypeReal:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for _, v := range c.Values {
			x, ok := ToFloat(v)
			if !ok || v == nil {
				b.AppendNull()
				continue
			}
			b.Append(x)
		}
		return b.NewArray(), nil
	case types.TypeBoolean:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		for _, v := range c.Values {
			x, ok := v.(bool)
			if !ok {
				b.AppendNull()
				continue
			}
			b.Append(x)
		}
		return b.NewArray(), nil
	case types.TypeTimestamp:
		b := array.NewTimestampBuilder(mem, dt.(*arrow.TimestampType))
		defer b.Release()
		for _, v := range c.Values {
			x, ok := v.(time.Time)
			if !ok {
				b.AppendNull()
				continue
			}
			b.Append(arrow.Timestamp(x.UnixMicro()))
		}
		return b.NewArray(), nil
	default:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		for _, v := range c.Values {
			if v == nil {
				b.AppendNull()
				continue
			}
			s, ok := v.(string)
			if !ok {
				s = fmt.Sprint(v)
			}
			b.Append(s)
		}
		return b.NewArray(), nil
	}
}

// WriteParquet encodes f as zstd-compressed Parquet.
func WriteParquet(w io.Writer, f *Frame) error {
	mem := memory.NewGoAllocator()
	rec, err := toRecord(f, mem)
	if err != nil {
		return err
	}
	defer rec.Release()

	tbl := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
	defer tbl.Release()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithCompressionLevel(ZstdLevel),
		parquet.WithAllocator(mem),
	)
	arrProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	if err := pqarrow.WriteTable(tbl, w, rowGroupSize, props, arrProps); err != nil {
		return fmt.Errorf("failed to write parquet: %w", err)
	}
	return nil
}

// EncodeParquet returns the Parquet encoding of f.
func EncodeParquet(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteParquet(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeParquet reads a whole Parquet blob into memory.
func DecodeParquet(ctx context.Context, data []byte) (*Frame, error) {
	cr, err := NewChunkReader(ctx, data, DefaultChunkRows)
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	out := NewFrame(cr.Schema())
	for {
		chunk, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if err := out.Append(chunk); err != nil {
			return nil, err
		}
	}
}

// readSchema recovers the semantic schema, falling back to the Arrow types
// for files written elsewhere.
func readSchema(pf *file.Reader, arrSchema *arrow.Schema) (types.Schema, error) {
	var stored *string
	if kv := pf.MetaData().KeyValueMetadata(); kv != nil {
		stored = kv.FindValue(SchemaMetadataKey)
	}
	if stored == nil {
		md := arrSchema.Metadata()
		if i := md.FindKey(SchemaMetadataKey); i >= 0 {
			stored = &md.Values()[i]
		}
	}
	if stored != nil {
		var s types.Schema
		if err := json.Unmarshal([]byte(*stored), &s); err != nil {
			return nil, fmt.Errorf("failed to decode schema metadata: %w", err)
		}
		return s, nil
	}

	s := make(types.Schema, len(arrSchema.Fields()))
	for i, fld := range arrSchema.Fields() {
		var t types.SemanticType
		switch fld.Type.ID() {
		case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64, arrow.UINT8, arrow.UINT16, arrow.UINT32:
			t = types.TypeInteger
		case arrow.FLOAT32, arrow.FLOAT64:
			t = types.TypeReal
		case arrow.BOOL:
			t = types.TypeBoolean
		case arrow.TIMESTAMP, arrow.DATE32, arrow.DATE64:
			t = types.TypeTimestamp
		default:
			t = types.TypeText
		}
		s[i] = types.Field{Name: fld.Name, Type: t}
	}
	return s, nil
}

// appendArray converts an Arrow array into Go values of the column's type.
func appendArray(c *Column, arr arrow.Array) error {
	n := arr.Len()
	for i := 0; i < n; i++ {
		if arr.IsNull(i) {
			c.Values = append(c.Values, nil)
			continue
		}
		var v any
		switch a := arr.(type) {
		case *array.Int64:
			v = a.Value(i)
		case *array.Int32:
			v = int64(a.Value(i))
		case *array.Float64:
			v = a.Value(i)
		case *array.Float32:
			v = float64(a.Value(i))
		case *array.Boolean:
			v = a.Value(i)
		case *array.String:
			v = a.Value(i)
		case *array.Timestamp:
			v = timestampValue(a.Value(i), a.DataType().(*arrow.TimestampType).Unit)
		default:
			return fmt.Errorf("unsupported arrow type %s in column %q", arr.DataType(), c.Name)
		}
		if c.Type == types.TypeReal {
			if x, ok := v.(int64); ok {
				v = float64(x)
			}
		}
		c.Values = append(c.Values, v)
	}
	return nil
}

func timestampValue(ts arrow.Timestamp, unit arrow.TimeUnit) time.Time {
	v := int64(ts)
	switch unit {
	case arrow.Second:
		return time.Unix(v, 0).UTC()
	case arrow.Millisecond:
		return time.UnixMilli(v).UTC()
	case arrow.Microsecond:
		return time.UnixMicro(v).UTC()
	default:
		return time.Unix(0, v).UTC()
	}
}

func corrupt(err error) error {
	return apperr.Wrap(apperr.Unavailable, err, "stored dataset could not be decoded")
}
