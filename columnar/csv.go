package columnar

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/types"
)

// nullTokens are read as missing values.
var nullTokens = map[string]struct{}{
	"": {}, "NA": {}, "N/A": {}, "NaN": {}, "nan": {}, "null": {}, "NULL": {}, "None": {}, "#N/A": {},
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// CategoricalRatio is the largest distinct/non-null ratio for which a string
// column is categorical rather than text.
const CategoricalRatio = 0.5

// DecodeCSV reads a CSV with a header row and infers a semantic type per column.
func DecodeCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperr.New(apperr.BadRequest, "uploaded file is empty")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, err, "file is not valid CSV")
	}

	names := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if name == "" {
			name = fmt.Sprintf("column_%d", i)
		}
		if _, dup := seen[name]; dup {
			return nil, apperr.Newf(apperr.BadRequest, "duplicate column %q", name)
		}
		seen[name] = struct{}{}
		names[i] = name
	}

	raw := make([][]*string, len(names))
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.BadRequest, err, "file is not valid CSV")
		}
		for j, cell := range rec {
			if _, isNull := nullTokens[strings.TrimSpace(cell)]; isNull {
				raw[j] = append(raw[j], nil)
				continue
			}
			v := cell
			raw[j] = append(raw[j], &v)
		}
	}

	f := &Frame{Columns: make([]*Column, len(names))}
	for j, name := range names {
		typ := inferType(raw[j])
		vals, err := convert(raw[j], typ)
		if err != nil {
			return nil, fmt.Errorf("failed to convert column %q: %w", name, err)
		}
		f.Columns[j] = &Column{Name: name, Type: typ, Values: vals}
	}
	return f, nil
}

// typeTracker narrows the candidate types of a column as values are seen.
type typeTracker struct {
	integer, real, boolean, timestamp bool
	nonNull                           int
	distinct                          mapset.Set[string]
}

func newTypeTracker() *typeTracker {
	return &typeTracker{
		integer:   true,
		real:      true,
		boolean:   true,
		timestamp: true,
		distinct:  mapset.NewThreadUnsafeSet[string](),
	}
}

func (t *typeTracker) add(s string) {
	t.nonNull++
	t.distinct.Add(s)
	s = strings.TrimSpace(s)
	if t.integer {
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			t.integer = false
		}
	}
	if t.real {
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			t.real = false
		}
	}
	if t.boolean {
		if _, ok := parseBool(s); !ok {
			t.boolean = false
		}
	}
	if t.timestamp {
		if _, ok := parseTimestamp(s); !ok {
			t.timestamp = false
		}
	}
}

func (t *typeTracker) result() types.SemanticType {
	switch {
	case t.nonNull == 0:
		return types.TypeText
	case t.integer:
		return types.TypeInteger
	case t.real:
		return types.TypeReal
	case t.boolean:
		return types.TypeBoolean
	case t.timestamp:
		return types.TypeTimestamp
	case t.nonNull >= 2 && float64(t.distinct.Cardinality())/float64(t.nonNull) <= CategoricalRatio:
		return types.TypeCategorical
	default:
		return types.TypeText
	}
}

func inferType(cells []*string) types.SemanticType {
	t := newTypeTracker()
	for _, c := range cells {
		if c != nil {
			t.add(*c)
		}
	}
	return t.result()
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseValue converts a string to the Go representation of typ.
func ParseValue(s string, typ types.SemanticType) (any, error) {
	s = strings.TrimSpace(s)
	switch typ {
	case types.TypeInteger:
		return strconv.ParseInt(s, 10, 64)
	case types.TypeReal:
		return strconv.ParseFloat(s, 64)
	case types.TypeBoolean:
		b, ok := parseBool(s)
		if !ok {
			return nil, fmt.Errorf("invalid boolean %q", s)
		}
		return b, nil
	case types.TypeTimestamp:
		ts, ok := parseTimestamp(s)
		if !ok {
			return nil, fmt.Errorf("invalid timestamp %q", s)
		}
		return ts, nil
	default:
		return s, nil
	}
}

func convert(cells []*string, typ types.SemanticType) ([]any, error) {
	out := make([]any, len(cells))
	for i, c := range cells {
		if c == nil {
			continue
		}
		if typ == types.TypeText || typ == types.TypeCategorical {
			out[i] = *c
			continue
		}
		v, err := ParseValue(*c, typ)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
