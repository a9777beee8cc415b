package analysis

import (
	"math"

	"github.com/helix-tools/dataroom/columnar"
)

// Result is an operation's JSON-ready output. Every result carries the
// operation name, its operand columns and the normalized flag.
type Result map[string]any

// Warnings returns the non-fatal notes attached to r.
func (r Result) Warnings() []string {
	w, _ := r["warnings"].([]string)
	return w
}

type builder struct {
	res      Result
	warnings []string
}

func newBuilder(op string, normalized bool) *builder {
	return &builder{res: Result{"operation": op, "normalized": normalized}}
}

func (b *builder) set(key string, v any) { b.res[key] = v }

// num stores v, or null with a warning when v is not finite.
func (b *builder) num(key string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		b.res[key] = nil
		b.warn("'" + key + "' is not a finite number")
		return
	}
	b.res[key] = v
}

func (b *builder) warn(msg string) {
	for _, w := range b.warnings {
		if w == msg {
			return
		}
	}
	b.warnings = append(b.warnings, msg)
}

func (b *builder) result() Result {
	if len(b.warnings) > 0 {
		b.res["warnings"] = b.warnings
	}
	return b.res
}

// finite returns a pointer to v, or nil when v is NaN or infinite.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func jsonValue(v any) any { return columnar.JSONValue(v) }
