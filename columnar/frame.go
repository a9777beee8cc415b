// Package columnar holds decoded tabular data and converts it to and from
// CSV and Parquet.
package columnar

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/helix-tools/dataroom/types"
)

// Column is a typed vector. Values hold int64, float64, bool, string or
// time.Time according to Type; nil marks a missing value.
type Column struct {
	Name   string
	Type   types.SemanticType
	Values []any
}

// Frame is an ordered set of equally long columns.
type Frame struct {
	Columns []*Column
}

// NewFrame returns an empty frame with the given schema.
func NewFrame(schema types.Schema) *Frame {
	f := &Frame{Columns: make([]*Column, len(schema))}
	for i, field := range schema {
		f.Columns[i] = &Column{Name: field.Name, Type: field.Type}
	}
	return f
}

// Rows returns the number of rows.
func (f *Frame) Rows() int {
	if len(f.Columns) == 0 {
		return 0
	}
	return len(f.Columns[0].Values)
}

// Schema returns the frame's column names and types in order.
func (f *Frame) Schema() types.Schema {
	s := make(types.Schema, len(f.Columns))
	for i, c := range f.Columns {
		s[i] = types.Field{Name: c.Name, Type: c.Type}
	}
	return s
}

// Column looks a column up by name.
func (f *Frame) Column(name string) (*Column, bool) {
	for _, c := range f.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Row returns the values of row i.
func (f *Frame) Row(i int) []any {
	row := make([]any, len(f.Columns))
	for j, c := range f.Columns {
		row[j] = c.Values[i]
	}
	return row
}

// AppendRow adds one row. len(row) must equal the number of columns.
func (f *Frame) AppendRow(row []any) {
	for j, c := range f.Columns {
		c.Values = append(c.Values, row[j])
	}
}

// Take returns a frame holding the rows at idx, in that order.
func (f *Frame) Take(idx []int) *Frame {
	out := &Frame{Columns: make([]*Column, len(f.Columns))}
	for j, c := range f.Columns {
		vals := make([]any, len(idx))
		for k, i := range idx {
			vals[k] = c.Values[i]
		}
		out.Columns[j] = &Column{Name: c.Name, Type: c.Type, Values: vals}
	}
	return out
}

// Head returns at most the first n rows.
func (f *Frame) Head(n int) *Frame {
	if n < 0 || n >= f.Rows() {
		return f
	}
	out := &Frame{Columns: make([]*Column, len(f.Columns))}
	for j, c := range f.Columns {
		out.Columns[j] = &Column{Name: c.Name, Type: c.Type, Values: c.Values[:n:n]}
	}
	return out
}

// Project keeps the named columns in the given order.
func (f *Frame) Project(names []string) (*Frame, error) {
	out := &Frame{Columns: make([]*Column, 0, len(names))}
	for _, name := range names {
		c, ok := f.Column(name)
		if !ok {
			return nil, fmt.Errorf("unknown column %q", name)
		}
		out.Columns = append(out.Columns, c)
	}
	return out, nil
}

// Append concatenates other's rows. Both frames must share a schema.
func (f *Frame) Append(other *Frame) error {
	if !f.Schema().Equal(other.Schema()) {
		return fmt.Errorf("cannot append frames with different schemas")
	}
	for j, c := range f.Columns {
		c.Values = append(c.Values, other.Columns[j].Values...)
	}
	return nil
}

// RowKey renders a row as a comparable string for duplicate detection.
func RowKey(row []any) string {
	var b strings.Builder
	for i, v := range row {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(keyOf(v))
	}
	return b.String()
}

func keyOf(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00"
	case string:
		return "s" + x
	case int64:
		return "i" + strconv.FormatInt(x, 10)
	case float64:
		return "f" + strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return "b" + strconv.FormatBool(x)
	case time.Time:
		return "t" + x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("?%v", x)
	}
}

// DuplicateRows counts rows identical to an earlier row.
func (f *Frame) DuplicateRows() int {
	seen := make(map[string]struct{}, f.Rows())
	dups := 0
	for i := 0; i < f.Rows(); i++ {
		k := RowKey(f.Row(i))
		if _, ok := seen[k]; ok {
			dups++
			continue
		}
		seen[k] = struct{}{}
	}
	return dups
}

// DropDuplicates keeps the first occurrence of every row.
func (f *Frame) DropDuplicates() *Frame {
	seen := make(map[string]struct{}, f.Rows())
	keep := make([]int, 0, f.Rows())
	for i := 0; i < f.Rows(); i++ {
		k := RowKey(f.Row(i))
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keep = append(keep, i)
	}
	return f.Take(keep)
}

// DropNA removes every row with at least one missing value.
func (f *Frame) DropNA() *Frame {
	keep := make([]int, 0, f.Rows())
	for i := 0; i < f.Rows(); i++ {
		if !rowHasNull(f, i) {
			keep = append(keep, i)
		}
	}
	return f.Take(keep)
}

func rowHasNull(f *Frame, i int) bool {
	for _, c := range f.Columns {
		if IsNull(c.Values[i]) {
			return true
		}
	}
	return false
}

// IsNull reports whether v is missing. NaN reals count as missing.
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	if x, ok := v.(float64); ok && math.IsNaN(x) {
		return true
	}
	return false
}

// NullCount returns the number of missing values in c.
func (c *Column) NullCount() int {
	n := 0
	for _, v := range c.Values {
		if IsNull(v) {
			n++
		}
	}
	return n
}

// Floats returns the non-null values of a numeric, boolean or timestamp
// column as float64.
func (c *Column) Floats() []float64 {
	out := make([]float64, 0, len(c.Values))
	for _, v := range c.Values {
		if x, ok := ToFloat(v); ok {
			out = append(out, x)
		}
	}
	return out
}

// ToFloat converts a scalar to float64. Strings and nulls do not convert.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		if math.IsNaN(x) {
			return 0, false
		}
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case time.Time:
		return float64(x.Unix()), true
	}
	return 0, false
}

// Records renders rows as JSON-friendly maps. Timestamps become RFC 3339
// strings and non-finite reals become null.
func (f *Frame) Records() []map[string]any {
	out := make([]map[string]any, f.Rows())
	for i := range out {
		rec := make(map[string]any, len(f.Columns))
		for _, c := range f.Columns {
			rec[c.Name] = JSONValue(c.Values[i])
		}
		out[i] = rec
	}
	return out
}

// JSONValue converts a cell to a value encoding/json can always marshal.
func JSONValue(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	}
	return v
}
