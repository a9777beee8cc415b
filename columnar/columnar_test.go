package columnar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/types"
)

func TestDecodeCSVInference(t *testing.T) {
	in := strings.Join([]string{
		"name,age,score,active,joined,city,note",
		"A,1,1.5,true,2024-01-02,Paris,x1",
		"B,2,NA,false,2024-01-03 10:00:00,Paris,x2",
		"C,3,3.25,TRUE,2024-01-04T00:00:00Z,Rome,",
		"D,,4,False,,Paris,x4",
	}, "\n")

	f, err := DecodeCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, 4, f.Rows())

	want := types.Schema{
		{Name: "name", Type: types.TypeText},
		{Name: "age", Type: types.TypeInteger},
		{Name: "score", Type: types.TypeReal},
		{Name: "active", Type: types.TypeBoolean},
		{Name: "joined", Type: types.TypeTimestamp},
		{Name: "city", Type: types.TypeCategorical},
		{Name: "note", Type: types.TypeText},
	}
	require.Equal(t, want, f.Schema())

	age, _ := f.Column("age")
	require.Equal(t, []any{int64(1), int64(2), int64(3), nil}, age.Values)
	score, _ := f.Column("score")
	require.Nil(t, score.Values[1])
	require.Equal(t, 4.0, score.Values[3])
	joined, _ := f.Column("joined")
	require.Equal(t, time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC), joined.Values[1])
	require.Equal(t, 1, age.NullCount())
}

func TestDecodeCSVScenario(t *testing.T) {
	f, err := DecodeCSV(strings.NewReader("name,age\nA,1\nB,2\nC,3"))
	require.NoError(t, err)
	require.Equal(t, types.Schema{{Name: "name", Type: types.TypeText}, {Name: "age", Type: types.TypeInteger}}, f.Schema())
	require.Equal(t, 3, f.Rows())
}

func TestDecodeCSVErrors(t *testing.T) {
	tests := map[string]string{
		"empty":     "",
		"ragged":    "a,b\n1,2\n3\n",
		"duplicate": "a,a\n1,2\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCSV(strings.NewReader(in))
			require.True(t, apperr.Is(err, apperr.BadRequest), "got %v", err)
		})
	}
}

func sampleFrame(n int) *Frame {
	f := NewFrame(types.Schema{
		{Name: "id", Type: types.TypeInteger},
		{Name: "value", Type: types.TypeReal},
		{Name: "flag", Type: types.TypeBoolean},
		{Name: "label", Type: types.TypeCategorical},
		{Name: "at", Type: types.TypeTimestamp},
	})
	base := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		var value any = float64(i) / 2
		if i%7 == 0 {
			value = nil
		}
		f.AppendRow([]any{int64(i), value, i%2 == 0, fmt.Sprintf("l%d", i%3), base.Add(time.Duration(i) * time.Second)})
	}
	return f
}

func TestParquetRoundTrip(t *testing.T) {
	in := sampleFrame(50)
	data, err := EncodeParquet(in)
	require.NoError(t, err)

	out, err := DecodeParquet(context.Background(), data)
	require.NoError(t, err)
	require.Equal(t, in.Schema(), out.Schema())
	require.Equal(t, in.Rows(), out.Rows())
	for j := range in.Columns {
		require.Equal(t, in.Columns[j].Values, out.Columns[j].Values, "column %s", in.Columns[j].Name)
	}
}

func TestParquetEmptyFrame(t *testing.T) {
	in := NewFrame(types.Schema{{Name: "a", Type: types.TypeText}})
	data, err := EncodeParquet(in)
	require.NoError(t, err)

	out, err := DecodeParquet(context.Background(), data)
	require.NoError(t, err)
	require.Equal(t, 0, out.Rows())
	require.Equal(t, in.Schema(), out.Schema())
}

func TestChunkReaderExactChunks(t *testing.T) {
	data, err := EncodeParquet(sampleFrame(25000))
	require.NoError(t, err)

	cr, err := NewChunkReader(context.Background(), data, DefaultChunkRows)
	require.NoError(t, err)
	defer cr.Close()
	require.Equal(t, int64(25000), cr.NumRows())

	var sizes []int
	next := int64(0)
	for {
		chunk, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, chunk.Rows())
		id, _ := chunk.Column("id")
		require.Equal(t, next, id.Values[0])
		next += int64(chunk.Rows())
	}
	require.Equal(t, []int{10000, 10000, 5000}, sizes)
}

func TestDecodeParquetRejectsGarbage(t *testing.T) {
	_, err := DecodeParquet(context.Background(), []byte("not parquet"))
	require.True(t, apperr.Is(err, apperr.Unavailable), "got %v", err)
}

func TestDropDuplicatesAndNA(t *testing.T) {
	f := NewFrame(types.Schema{{Name: "name", Type: types.TypeText}, {Name: "age", Type: types.TypeInteger}})
	f.AppendRow([]any{"A", int64(1)})
	f.AppendRow([]any{"B", int64(2)})
	f.AppendRow([]any{"B", int64(2)})
	f.AppendRow([]any{"C", nil})

	require.Equal(t, 1, f.DuplicateRows())
	dedup := f.DropDuplicates()
	require.Equal(t, 3, dedup.Rows())
	clean := dedup.DropNA()
	require.Equal(t, 2, clean.Rows())
	require.Equal(t, []any{"A", "B"}, clean.Columns[0].Values)
}

func TestCompileFilter(t *testing.T) {
	schema := types.Schema{
		{Name: "age", Type: types.TypeInteger},
		{Name: "name", Type: types.TypeText},
		{Name: "ok", Type: types.TypeBoolean},
	}

	tests := []struct {
		name    string
		filter  types.Filter
		cell    any
		want    bool
		wantErr bool
	}{
		{"numeric gte", types.Filter{Column: "age", Operator: ">=", Value: "2"}, int64(2), true, false},
		{"numeric lt", types.Filter{Column: "age", Operator: "<", Value: 2.0}, int64(2), false, false},
		{"numeric ne", types.Filter{Column: "age", Operator: "!=", Value: 1.0}, int64(2), true, false},
		{"null never matches", types.Filter{Column: "age", Operator: "!=", Value: 1.0}, nil, false, false},
		{"string eq", types.Filter{Column: "name", Operator: "=", Value: "B"}, "B", true, false},
		{"string ne", types.Filter{Column: "name", Operator: "!=", Value: "B"}, "A", true, false},
		{"bool eq", types.Filter{Column: "ok", Operator: "=", Value: "true"}, true, true, false},
		{"unknown column", types.Filter{Column: "zzz", Operator: "=", Value: 1.0}, nil, false, true},
		{"bad operator", types.Filter{Column: "age", Operator: "~", Value: 1.0}, nil, false, true},
		{"non numeric value", types.Filter{Column: "age", Operator: ">", Value: "old"}, nil, false, true},
		{"ordering on text", types.Filter{Column: "name", Operator: ">", Value: "B"}, nil, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := CompileFilter(schema, tt.filter)
			if tt.wantErr {
				require.True(t, apperr.Is(err, apperr.BadRequest), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, f.Match(tt.cell))
		})
	}
}

func TestFilterSQL(t *testing.T) {
	schema := types.Schema{{Name: "age", Type: types.TypeInteger}, {Name: "name", Type: types.TypeText}}

	f, err := CompileFilter(schema, types.Filter{Column: "age", Operator: ">=", Value: 2})
	require.NoError(t, err)
	clause, arg := f.SQL(`"age"`)
	require.Equal(t, `CAST("age" AS DOUBLE) >= ?`, clause)
	require.Equal(t, 2.0, arg)

	f, err = CompileFilter(schema, types.Filter{Column: "name", Operator: "!=", Value: "A"})
	require.NoError(t, err)
	clause, arg = f.SQL(`"name"`)
	require.Equal(t, `"name" <> ?`, clause)
	require.Equal(t, "A", arg)
}

func TestRecordsReplacesNonFinite(t *testing.T) {
	f := NewFrame(types.Schema{{Name: "x", Type: types.TypeReal}})
	f.AppendRow([]any{1.5})
	recs := f.Records()
	require.Equal(t, 1.5, recs[0]["x"])
	require.Nil(t, JSONValue(posInf()))
}

func posInf() float64 {
	var zero float64
	return 1 / zero
}
