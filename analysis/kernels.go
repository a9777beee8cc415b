package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/helix-tools/dataroom/columnar"
	"github.com/helix-tools/dataroom/engine"
	"github.com/helix-tools/dataroom/stats"
)

// Significance is the threshold for the assumption checks.
const Significance = 0.05

// CorrelationSample caps the rows used for correlations.
const CorrelationSample = 1000

func aggregateKernel(fn string) kernel {
	return func(ctx context.Context, qc *engine.Context, b *builder, operands []string, filter *columnar.Filter) error {
		v, err := qc.Aggregate(ctx, fn, operands[0], filter)
		if err != nil {
			return err
		}
		if !v.Valid {
			b.set("value", nil)
			b.warn("No rows matched")
			return nil
		}
		b.num("value", v.Float64)
		return nil
	}
}

func modeKernel(ctx context.Context, qc *engine.Context, b *builder, operands []string, filter *columnar.Filter) error {
	v, n, err := modeOf(ctx, qc, operands[0], filter)
	if err != nil {
		return err
	}
	b.set("value", v)
	b.set("frequency", n)
	if n == 0 {
		b.warn("No rows matched")
	}
	return nil
}

type normality struct {
	Statistic *float64 `json:"statistic"`
	PValue    *float64 `json:"p_value"`
	Normal    *bool    `json:"normal"`
}

func shapiro(x []float64) normality {
	if len(x) > stats.ShapiroMaxRows {
		idx := stats.SampleIndices(len(x), stats.ShapiroMaxRows)
		s := make([]float64, len(idx))
		for i, j := range idx {
			s[i] = x[j]
		}
		x = s
	}
	res, err := stats.ShapiroWilk(x)
	if err != nil {
		return normality{}
	}
	normal := res.P > Significance
	return normality{Statistic: finite(res.W), PValue: finite(res.P), Normal: &normal}
}

type variance struct {
	Statistic *float64 `json:"statistic"`
	PValue    *float64 `json:"p_value"`
	Equal     *bool    `json:"equal_variance"`
}

func levene(groups [][]float64) variance {
	res, err := stats.Levene(groups)
	if err != nil {
		return variance{}
	}
	equal := res.P > Significance
	return variance{Statistic: finite(res.W), PValue: finite(res.P), Equal: &equal}
}

func assumptionNote(normal []normality, v variance) string {
	allNormal, known := true, true
	for _, n := range normal {
		if n.Normal == nil {
			known = false
			continue
		}
		allNormal = allNormal && *n.Normal
	}
	var note string
	switch {
	case !known:
		note = "Normality could not be assessed (fewer than 3 values or constant data)"
	case allNormal:
		note = "Normality assumption holds (Shapiro-Wilk p > 0.05)"
	default:
		note = "Normality assumption violated (Shapiro-Wilk p <= 0.05)"
	}
	switch {
	case v.Equal == nil:
		note += "; equal variance could not be assessed"
	case *v.Equal:
		note += "; equal variance assumption holds (Levene p > 0.05)"
	default:
		note += "; equal variance assumption violated (Levene p <= 0.05)"
	}
	return note
}

func tTestKernel(ctx context.Context, qc *engine.Context, b *builder, operands []string, filter *columnar.Filter) error {
	a, err := qc.Floats(ctx, operands[0], filter)
	if err != nil {
		return err
	}
	c, err := qc.Floats(ctx, operands[1], filter)
	if err != nil {
		return err
	}

	res, err := stats.TTest(a, c)
	switch {
	case errors.Is(err, stats.ErrTooFewRows):
		b.set("t_statistic", nil)
		b.set("p_value", nil)
		b.warn("Each sample needs at least 2 values")
		return nil
	case errors.Is(err, stats.ErrZeroVariance):
		b.set("t_statistic", nil)
		b.set("p_value", nil)
		b.warn("Both samples have zero variance")
		return nil
	case err != nil:
		return err
	}
	b.num("t_statistic", res.T)
	b.num("p_value", res.P)
	b.set("degrees_of_freedom", res.DF)

	norm := []normality{shapiro(a), shapiro(c)}
	v := levene([][]float64{a, c})
	b.set("normality", map[string]normality{operands[0]: norm[0], operands[1]: norm[1]})
	b.set("variance", v)
	b.set("note", assumptionNote(norm, v))
	return nil
}

// label renders a value as a table label.
func label(v any) string { return fmt.Sprint(jsonValue(v)) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func chiSquareKernel(ctx context.Context, qc *engine.Context, b *builder, operands []string, filter *columnar.Filter) error {
	xs, ys, err := qc.Pairs(ctx, operands[0], operands[1], filter)
	if err != nil {
		return err
	}
	rowSet := map[string]int{}
	colSet := map[string]int{}
	for i := range xs {
		rowSet[label(xs[i])] = 0
		colSet[label(ys[i])] = 0
	}
	rows, cols := sortedKeys(rowSet), sortedKeys(colSet)
	for i, r := range rows {
		rowSet[r] = i
	}
	for j, c := range cols {
		colSet[c] = j
	}
	observed := make([][]float64, len(rows))
	counts := make([][]int64, len(rows))
	for i := range observed {
		observed[i] = make([]float64, len(cols))
		counts[i] = make([]int64, len(cols))
	}
	for i := range xs {
		r, c := rowSet[label(xs[i])], colSet[label(ys[i])]
		observed[r][c]++
		counts[r][c]++
	}
	b.set("contingency_table", map[string]any{"index": rows, "columns": cols, "data": counts})

	res, err := stats.ChiSquare(observed)
	if err != nil {
		b.set("chi2", nil)
		b.set("p_value", nil)
		b.set("dof", res.DOF)
		b.warn("Chi-square needs at least two categories in each column")
		return nil
	}
	b.num("chi2", res.Chi2)
	b.num("p_value", res.P)
	b.set("dof", res.DOF)
	b.set("expected_frequencies", res.Expected)
	if res.LowExpected {
		b.warn("Some expected frequencies are below 5; the chi-square approximation may be unreliable")
	}
	return nil
}

func anovaKernel(ctx context.Context, qc *engine.Context, b *builder, operands []string, filter *columnar.Filter) error {
	vals, keys, err := qc.Pairs(ctx, operands[0], operands[1], filter)
	if err != nil {
		return err
	}
	byGroup := map[string][]float64{}
	for i := range vals {
		x, ok := columnar.ToFloat(vals[i])
		if !ok {
			continue
		}
		k := label(keys[i])
		byGroup[k] = append(byGroup[k], x)
	}
	names := sortedKeys(byGroup)
	groups := make([][]float64, len(names))
	for i, n := range names {
		groups[i] = byGroup[n]
	}
	b.set("groups", len(names))

	res, err := stats.OneWayANOVA(groups)
	switch {
	case errors.Is(err, stats.ErrTooFewRows):
		b.set("f_statistic", nil)
		b.set("p_value", nil)
		b.warn("ANOVA needs at least two groups and more rows than groups")
		return nil
	case errors.Is(err, stats.ErrZeroVariance):
		b.set("f_statistic", nil)
		b.set("p_value", nil)
		b.warn("All groups have zero variance")
		return nil
	case err != nil:
		return err
	}
	b.num("f_statistic", res.F)
	b.num("p_value", res.P)

	perGroup := make(map[string]normality, len(names))
	norm := make([]normality, len(names))
	for i, n := range names {
		norm[i] = shapiro(groups[i])
		perGroup[n] = norm[i]
	}
	v := levene(groups)
	b.set("diagnostics", map[string]any{"normality": perGroup, "variance": v})
	b.set("note", assumptionNote(norm, v))
	return nil
}

func correlationKernel(method string) kernel {
	return func(ctx context.Context, qc *engine.Context, b *builder, operands []string, filter *columnar.Filter) error {
		xs, ys, err := qc.Pairs(ctx, operands[0], operands[1], filter)
		if err != nil {
			return err
		}
		idx := stats.SampleIndices(len(xs), CorrelationSample)
		x := make([]float64, 0, len(idx))
		y := make([]float64, 0, len(idx))
		for _, i := range idx {
			fx, ok1 := columnar.ToFloat(xs[i])
			fy, ok2 := columnar.ToFloat(ys[i])
			if ok1 && ok2 {
				x = append(x, fx)
				y = append(y, fy)
			}
		}
		b.set("method", method)
		b.set("n", len(x))
		b.set("sampled", len(xs) > CorrelationSample)

		var res stats.CorrelationResult
		if method == OpSpearman {
			res, err = stats.Spearman(x, y)
		} else {
			res, err = stats.Pearson(x, y)
		}
		switch {
		case errors.Is(err, stats.ErrTooFewRows):
			b.set("correlation", nil)
			b.set("p_value", nil)
			b.warn("Correlation needs at least 3 complete rows")
			return nil
		case errors.Is(err, stats.ErrZeroVariance):
			b.set("correlation", nil)
			b.set("p_value", nil)
			b.warn("Correlation is undefined because a column has constant values")
			return nil
		case err != nil:
			return err
		}
		b.num("correlation", res.R)
		b.num("p_value", res.P)
		b.num("slope", res.Slope)
		b.num("intercept", res.Intercept)
		return nil
	}
}

func descriptiveKernel(ctx context.Context, qc *engine.Context, b *builder, _ []string, filter *columnar.Filter) error {
	d, err := Describe(ctx, qc, filter)
	if err != nil {
		return err
	}
	b.set("numeric", d.Numeric)
	b.set("categorical", d.Categorical)
	return nil
}

func preAnalysisKernel(ctx context.Context, qc *engine.Context, b *builder, _ []string, _ *columnar.Filter) error {
	ov, err := PreAnalysis(ctx, qc)
	if err != nil {
		return err
	}
	b.set("overview", ov)
	return nil
}
