// Package stats implements the statistical kernels behind dataset analysis.
// Inputs are plain float slices with nulls already removed.
package stats

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrTooFewRows means a kernel did not get enough observations.
	ErrTooFewRows = errors.New("too few rows")
	// ErrZeroVariance means an input has no spread.
	ErrZeroVariance = errors.New("zero variance")
)

// TTestResult is an independent two-sample Student t-test.
type TTestResult struct {
	T  float64
	P  float64
	DF float64
}

// TTest runs a pooled-variance two-sided t-test between a and b.
func TTest(a, b []float64) (TTestResult, error) {
	na, nb := float64(len(a)), float64(len(b))
	if len(a) < 2 || len(b) < 2 {
		return TTestResult{}, ErrTooFewRows
	}
	ma, va := stat.MeanVariance(a, nil)
	mb, vb := stat.MeanVariance(b, nil)
	df := na + nb - 2
	pooled := ((na-1)*va + (nb-1)*vb) / df
	if pooled == 0 {
		return TTestResult{DF: df}, ErrZeroVariance
	}
	t := (ma - mb) / math.Sqrt(pooled*(1/na+1/nb))
	return TTestResult{T: t, P: twoSidedT(t, df), DF: df}, nil
}

func twoSidedT(t, df float64) float64 {
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * dist.Survival(math.Abs(t))
}

// ANOVAResult is a one-way analysis of variance.
type ANOVAResult struct {
	F         float64
	P         float64
	DFBetween float64
	DFWithin  float64
}

// OneWayANOVA computes the F statistic across groups.
func OneWayANOVA(groups [][]float64) (ANOVAResult, error) {
	k := len(groups)
	total := 0
	var grand float64
	for _, g := range groups {
		if len(g) == 0 {
			return ANOVAResult{}, ErrTooFewRows
		}
		total += len(g)
		grand += floatsSum(g)
	}
	if k < 2 || total <= k {
		return ANOVAResult{}, ErrTooFewRows
	}
	grand /= float64(total)

	var ssb, ssw float64
	for _, g := range groups {
		m := stat.Mean(g, nil)
		ssb += float64(len(g)) * (m - grand) * (m - grand)
		for _, v := range g {
			ssw += (v - m) * (v - m)
		}
	}
	res := ANOVAResult{DFBetween: float64(k - 1), DFWithin: float64(total - k)}
	if ssw == 0 {
		return res, ErrZeroVariance
	}
	res.F = (ssb / res.DFBetween) / (ssw / res.DFWithin)
	res.P = distuv.F{D1: res.DFBetween, D2: res.DFWithin}.Survival(res.F)
	return res, nil
}

// LeveneResult is the median-centred Levene test for equal variances.
type LeveneResult struct {
	W float64
	P float64
}

// Levene tests whether groups share a variance, using deviations from each
// group median.
func Levene(groups [][]float64) (LeveneResult, error) {
	k := len(groups)
	if k < 2 {
		return LeveneResult{}, ErrTooFewRows
	}
	z := make([][]float64, k)
	total := 0
	for i, g := range groups {
		if len(g) == 0 {
			return LeveneResult{}, ErrTooFewRows
		}
		med := Median(g)
		z[i] = make([]float64, len(g))
		for j, v := range g {
			z[i][j] = math.Abs(v - med)
		}
		total += len(g)
	}
	if total <= k {
		return LeveneResult{}, ErrTooFewRows
	}

	var grand float64
	means := make([]float64, k)
	for i, zi := range z {
		means[i] = stat.Mean(zi, nil)
		grand += floatsSum(zi)
	}
	grand /= float64(total)

	var num, den float64
	for i, zi := range z {
		num += float64(len(zi)) * (means[i] - grand) * (means[i] - grand)
		for _, v := range zi {
			den += (v - means[i]) * (v - means[i])
		}
	}
	if den == 0 {
		return LeveneResult{}, ErrZeroVariance
	}
	d1, d2 := float64(k-1), float64(total-k)
	w := (d2 * num) / (d1 * den)
	return LeveneResult{W: w, P: distuv.F{D1: d1, D2: d2}.Survival(w)}, nil
}

// ChiSquareResult is a test of independence on a contingency table.
type ChiSquareResult struct {
	Chi2     float64
	P        float64
	DOF      int
	Expected [][]float64
	// LowExpected is set when any expected frequency is below 5.
	LowExpected bool
}

// ChiSquare tests independence of the rows and columns of observed. Yates'
// continuity correction applies when there is one degree of freedom.
func ChiSquare(observed [][]float64) (ChiSquareResult, error) {
	r := len(observed)
	if r < 2 || len(observed[0]) < 2 {
		return ChiSquareResult{}, ErrTooFewRows
	}
	c := len(observed[0])
	rowSum := make([]float64, r)
	colSum := make([]float64, c)
	var n float64
	for i, row := range observed {
		for j, v := range row {
			rowSum[i] += v
			colSum[j] += v
			n += v
		}
	}
	if n == 0 {
		return ChiSquareResult{}, ErrTooFewRows
	}

	res := ChiSquareResult{DOF: (r - 1) * (c - 1), Expected: make([][]float64, r)}
	for i := range observed {
		res.Expected[i] = make([]float64, c)
		for j := range observed[i] {
			e := rowSum[i] * colSum[j] / n
			res.Expected[i][j] = e
			if e < 5 {
				res.LowExpected = true
			}
			if e == 0 {
				return res, ErrZeroVariance
			}
		}
	}

	for i, row := range observed {
		for j, o := range row {
			e := res.Expected[i][j]
			d := math.Abs(o - e)
			if res.DOF == 1 {
				d = math.Max(0, d-0.5)
			}
			res.Chi2 += d * d / e
		}
	}
	res.P = distuv.ChiSquared{K: float64(res.DOF)}.Survival(res.Chi2)
	return res, nil
}

// CorrelationResult is a correlation with its least-squares fit.
type CorrelationResult struct {
	R         float64
	P         float64
	Slope     float64
	Intercept float64
	N         int
}

// Pearson correlates x with y.
func Pearson(x, y []float64) (CorrelationResult, error) {
	if len(x) != len(y) {
		return CorrelationResult{}, errors.New("mismatched lengths")
	}
	n := len(x)
	if n < 3 {
		return CorrelationResult{N: n}, ErrTooFewRows
	}
	if stat.Variance(x, nil) == 0 || stat.Variance(y, nil) == 0 {
		return CorrelationResult{R: math.NaN(), P: math.NaN(), N: n}, ErrZeroVariance
	}
	r := stat.Correlation(x, y, nil)
	alpha, beta := stat.LinearRegression(x, y, nil, false)
	return CorrelationResult{R: r, P: correlationP(r, n), Slope: beta, Intercept: alpha, N: n}, nil
}

// Spearman is the Pearson correlation of the average ranks of x and y. The
// fit is reported on the raw values.
func Spearman(x, y []float64) (CorrelationResult, error) {
	if len(x) != len(y) {
		return CorrelationResult{}, errors.New("mismatched lengths")
	}
	n := len(x)
	if n < 3 {
		return CorrelationResult{N: n}, ErrTooFewRows
	}
	rx, ry := Rank(x), Rank(y)
	if stat.Variance(rx, nil) == 0 || stat.Variance(ry, nil) == 0 {
		return CorrelationResult{R: math.NaN(), P: math.NaN(), N: n}, ErrZeroVariance
	}
	r := stat.Correlation(rx, ry, nil)
	alpha, beta := stat.LinearRegression(x, y, nil, false)
	return CorrelationResult{R: r, P: correlationP(r, n), Slope: beta, Intercept: alpha, N: n}, nil
}

func correlationP(r float64, n int) float64 {
	if math.Abs(r) >= 1 {
		return 0
	}
	df := float64(n - 2)
	t := r * math.Sqrt(df/(1-r*r))
	return twoSidedT(t, df)
}

// Rank assigns 1-based ranks, averaging ties.
func Rank(x []float64) []float64 {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	ranks := make([]float64, len(x))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && x[idx[j+1]] == x[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

// Median returns the midpoint of x, interpolating between the two middle
// values for even lengths. It returns NaN for an empty slice.
func Median(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// Quartiles returns the linearly interpolated first and third quartiles.
func Quartiles(x []float64) (q1, q3 float64) {
	if len(x) == 0 {
		return math.NaN(), math.NaN()
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	return quantile(s, 0.25), quantile(s, 0.75)
}

// quantile uses the same linear interpolation between order statistics as
// numpy's default method. s must be sorted.
func quantile(s []float64, p float64) float64 {
	pos := p * float64(len(s)-1)
	lo := math.Floor(pos)
	hi := math.Ceil(pos)
	if lo == hi {
		return s[int(lo)]
	}
	return s[int(lo)] + (pos-lo)*(s[int(hi)]-s[int(lo)])
}

func floatsSum(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v
	}
	return s
}
