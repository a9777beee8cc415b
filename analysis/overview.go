package analysis

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/engine"
	"github.com/helix-tools/dataroom/types"
)

// NumericSummary describes one numeric column.
type NumericSummary struct {
	Count  int64    `json:"count"`
	Mean   *float64 `json:"mean"`
	Std    *float64 `json:"std"`
	Min    *float64 `json:"min"`
	Q1     *float64 `json:"25%"`
	Median *float64 `json:"50%"`
	Q3     *float64 `json:"75%"`
	Max    *float64 `json:"max"`
}

// ValueCount is one bucket of a categorical column.
type ValueCount struct {
	Value any   `json:"value"`
	Count int64 `json:"count"`
}

// Overview is the pre-analysis summary of a dataset.
type Overview struct {
	RowCount       int                       `json:"row_count"`
	Columns        []string                  `json:"columns"`
	Schema         types.Schema              `json:"schema"`
	DuplicateRows  int64                     `json:"duplicate_rows"`
	MissingValues  map[string]int64          `json:"missing_values"`
	NumericSummary map[string]NumericSummary `json:"numeric_summary"`
	ValueCounts    map[string][]ValueCount   `json:"value_counts"`
}

// PreAnalysis summarizes the table registered in qc.
func PreAnalysis(ctx context.Context, qc *engine.Context) (*Overview, error) {
	schema := qc.Schema()
	ov := &Overview{
		RowCount:       qc.Rows(),
		Columns:        schema.Names(),
		Schema:         schema,
		MissingValues:  make(map[string]int64, len(schema)),
		NumericSummary: make(map[string]NumericSummary),
		ValueCounts:    make(map[string][]ValueCount),
	}

	if len(schema) > 0 {
		q := fmt.Sprintf("SELECT (SELECT COUNT(*) FROM %[1]s) - (SELECT COUNT(*) FROM (SELECT DISTINCT * FROM %[1]s))", engine.Table)
		if err := qc.QueryRow(ctx, q).Scan(&ov.DuplicateRows); err != nil {
			return nil, fmt.Errorf("failed to count duplicate rows: %w", err)
		}
	}

	for _, f := range schema {
		col := engine.QuoteIdent(f.Name)
		var missing int64
		q := fmt.Sprintf("SELECT COUNT(*) - COUNT(%s) FROM %s", col, engine.Table)
		if err := qc.QueryRow(ctx, q).Scan(&missing); err != nil {
			return nil, fmt.Errorf("failed to count missing values of %s: %w", f.Name, err)
		}
		ov.MissingValues[f.Name] = missing

		switch {
		case f.Type.Numeric():
			s, err := numericSummary(ctx, qc, col)
			if err != nil {
				return nil, fmt.Errorf("failed to summarize %s: %w", f.Name, err)
			}
			ov.NumericSummary[f.Name] = s
		case f.Type == types.TypeCategorical:
			vc, err := valueCounts(ctx, qc, col, 0, "")
			if err != nil {
				return nil, fmt.Errorf("failed to count values of %s: %w", f.Name, err)
			}
			ov.ValueCounts[f.Name] = vc
		}
	}
	return ov, nil
}

func numericSummary(ctx context.Context, qc *engine.Context, col string) (NumericSummary, error) {
	v := fmt.Sprintf("CAST(%s AS DOUBLE)", col)
	q := fmt.Sprintf(`SELECT COUNT(%[1]s), AVG(%[1]s), STDDEV_SAMP(%[1]s), MIN(%[1]s),
		QUANTILE_CONT(%[1]s, 0.25), QUANTILE_CONT(%[1]s, 0.5), QUANTILE_CONT(%[1]s, 0.75), MAX(%[1]s)
		FROM %[2]s`, v, engine.Table)

	var s NumericSummary
	var mean, std, lo, q1, med, q3, hi sql.NullFloat64
	if err := qc.QueryRow(ctx, q).Scan(&s.Count, &mean, &std, &lo, &q1, &med, &q3, &hi); err != nil {
		return s, err
	}
	s.Mean, s.Std, s.Min = nullable(mean), nullable(std), nullable(lo)
	s.Q1, s.Median, s.Q3, s.Max = nullable(q1), nullable(med), nullable(q3), nullable(hi)
	return s, nil
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return finite(v.Float64)
}

// valueCounts returns the non-null values of col by descending frequency,
// ties in order of first appearance. cond is an optional " AND ..." clause
// bound to args. limit <= 0 returns all values.
func valueCounts(ctx context.Context, qc *engine.Context, col string, limit int, cond string, args ...any) ([]ValueCount, error) {
	q := fmt.Sprintf("SELECT %[1]s, COUNT(*) AS n FROM %[2]s WHERE %[1]s IS NOT NULL%[3]s GROUP BY %[1]s ORDER BY n DESC, MIN(rowid)",
		col, engine.Table, cond)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := qc.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ValueCount
	for rows.Next() {
		var vc ValueCount
		if err := rows.Scan(&vc.Value, &vc.Count); err != nil {
			return nil, err
		}
		vc.Value = scalar(vc.Value)
		out = append(out, vc)
	}
	return out, rows.Err()
}

// scalar maps a driver value onto its JSON form.
func scalar(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int8:
		return int64(x)
	}
	return jsonValue(v)
}

// ColumnStats are the descriptive statistics of one column.
type ColumnStats struct {
	Mean      *float64 `json:"mean,omitempty"`
	Median    *float64 `json:"median,omitempty"`
	Mode      any      `json:"mode,omitempty"`
	Unique    *int64   `json:"unique,omitempty"`
	Top       any      `json:"top,omitempty"`
	Frequency *int64   `json:"freq,omitempty"`
}

// Descriptive holds per-column statistics split by kind.
type Descriptive struct {
	Numeric     map[string]ColumnStats `json:"numeric"`
	Categorical map[string]ColumnStats `json:"categorical"`
}

// Describe computes mean, median and mode for numeric columns and unique
// count, modal value and modal frequency for categorical and boolean ones.
func Describe(ctx context.Context, qc *engine.Context, filter *columnar.Filter) (*Descriptive, error) {
	d := &Descriptive{
		Numeric:     make(map[string]ColumnStats),
		Categorical: make(map[string]ColumnStats),
	}
	for _, f := range qc.Schema() {
		switch {
		case f.Type.Numeric():
			mean, err := qc.Aggregate(ctx, "avg", f.Name, filter)
			if err != nil {
				return nil, err
			}
			med, err := qc.Aggregate(ctx, "median", f.Name, filter)
			if err != nil {
				return nil, err
			}
			mode, _, err := modeOf(ctx, qc, f.Name, filter)
			if err != nil {
				return nil, err
			}
			d.Numeric[f.Name] = ColumnStats{Mean: nullable(mean), Median: nullable(med), Mode: mode}
		case f.Type == types.TypeCategorical || f.Type == types.TypeBoolean:
			unique, err := distinct(ctx, qc, f.Name, filter)
			if err != nil {
				return nil, err
			}
			top, freq, err := modeOf(ctx, qc, f.Name, filter)
			if err != nil {
				return nil, err
			}
			d.Categorical[f.Name] = ColumnStats{Unique: &unique, Top: top, Frequency: &freq}
		}
	}
	return d, nil
}

func distinct(ctx context.Context, qc *engine.Context, column string, filter *columnar.Filter) (int64, error) {
	col, err := qc.Quote(column)
	if err != nil {
		return 0, err
	}
	cond, args, err := filterSQL(qc, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	q := fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s WHERE TRUE%s", col, engine.Table, cond)
	if err := qc.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count distinct values: %w", err)
	}
	return n, nil
}

// modeOf returns the most frequent non-null value and its count. Ties go to
// the value seen first.
func modeOf(ctx context.Context, qc *engine.Context, column string, filter *columnar.Filter) (any, int64, error) {
	col, err := qc.Quote(column)
	if err != nil {
		return nil, 0, err
	}
	cond, args, err := filterSQL(qc, filter)
	if err != nil {
		return nil, 0, err
	}
	vc, err := valueCounts(ctx, qc, col, 1, cond, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to compute mode: %w", err)
	}
	if len(vc) == 0 {
		return nil, 0, nil
	}
	return vc[0].Value, vc[0].Count, nil
}

func filterSQL(qc *engine.Context, filter *columnar.Filter) (string, []any, error) {
	if filter == nil {
		return "", nil, nil
	}
	col, err := qc.Quote(filter.Column)
	if err != nil {
		return "", nil, err
	}
	clause, arg := filter.SQL(col)
	return " AND " + clause, []any{arg}, nil
}

// OverviewOf opens a temporary query context over f and summarizes it.
func OverviewOf(ctx context.Context, f *columnar.Frame) (*Overview, error) {
	qc, err := engine.Open(ctx, f)
	if err != nil {
		return nil, err
	}
	defer qc.Close()
	return PreAnalysis(ctx, qc)
}

// DescribeFrame opens a temporary query context over f and describes it.
func DescribeFrame(ctx context.Context, f *columnar.Frame) (*Descriptive, error) {
	qc, err := engine.Open(ctx, f)
	if err != nil {
		return nil, err
	}
	defer qc.Close()
	return Describe(ctx, qc, nil)
}
