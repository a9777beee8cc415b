package columnar

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/types"
)

// Operators accepted in filters.
var Operators = []string{"=", "!=", ">", ">=", "<", "<="}

// Filter is a filter checked against a schema. Missing values never match.
type Filter struct {
	Column   string
	Type     types.SemanticType
	Operator string
	// Value is float64 for numeric columns and the typed scalar otherwise.
	Value any
}

// CompileFilter validates f against schema and coerces its value.
func CompileFilter(schema types.Schema, f types.Filter) (*Filter, error) {
	typ, ok := schema.Lookup(f.Column)
	if !ok {
		return nil, apperr.Newf(apperr.BadRequest, "Column '%s' not found", f.Column)
	}
	op := strings.TrimSpace(f.Operator)
	if op == "==" {
		op = "="
	}
	valid := false
	for _, o := range Operators {
		if o == op {
			valid = true
			break
		}
	}
	if !valid {
		return nil, apperr.Newf(apperr.BadRequest, "Invalid operator '%s'", f.Operator)
	}

	out := &Filter{Column: f.Column, Type: typ, Operator: op}
	if typ.Numeric() {
		x, err := numericValue(f.Value)
		if err != nil {
			return nil, apperr.Newf(apperr.BadRequest, "Filter value for '%s' must be numeric", f.Column)
		}
		out.Value = x
		return out, nil
	}

	if op != "=" && op != "!=" {
		return nil, apperr.Newf(apperr.BadRequest, "Operator '%s' is not supported for non-numeric column '%s'", op, f.Column)
	}
	s := scalarString(f.Value)
	switch typ {
	case types.TypeBoolean, types.TypeTimestamp:
		v, err := ParseValue(s, typ)
		if err != nil {
			return nil, apperr.Newf(apperr.BadRequest, "Invalid filter value for '%s'", f.Column)
		}
		out.Value = v
	default:
		out.Value = s
	}
	return out, nil
}

func numericValue(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Match evaluates the filter on one cell.
func (f *Filter) Match(v any) bool {
	if IsNull(v) {
		return false
	}
	if f.Type.Numeric() {
		x, ok := ToFloat(v)
		if !ok {
			return false
		}
		want := f.Value.(float64)
		switch f.Operator {
		case "=":
			return x == want
		case "!=":
			return x != want
		case ">":
			return x > want
		case ">=":
			return x >= want
		case "<":
			return x < want
		case "<=":
			return x <= want
		}
		return false
	}

	var eq bool
	switch want := f.Value.(type) {
	case time.Time:
		got, ok := v.(time.Time)
		eq = ok && got.Equal(want)
	case bool:
		got, ok := v.(bool)
		eq = ok && got == want
	default:
		eq = scalarString(v) == want
	}
	if f.Operator == "!=" {
		return !eq
	}
	return eq
}

// Apply returns the rows of frame matching the filter.
func (f *Filter) Apply(frame *Frame) *Frame {
	col, ok := frame.Column(f.Column)
	if !ok {
		return frame.Take(nil)
	}
	keep := make([]int, 0, frame.Rows())
	for i, v := range col.Values {
		if f.Match(v) {
			keep = append(keep, i)
		}
	}
	return frame.Take(keep)
}

// SQL renders the filter as a WHERE clause fragment with one placeholder.
// quoted is the already quoted column identifier.
func (f *Filter) SQL(quoted string) (string, any) {
	op := f.Operator
	if op == "!=" {
		op = "<>"
	}
	if f.Type.Numeric() {
		return fmt.Sprintf("CAST(%s AS DOUBLE) %s ?", quoted, op), f.Value
	}
	return fmt.Sprintf("%s %s ?", quoted, op), f.Value
}
