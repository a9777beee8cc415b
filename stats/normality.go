package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ShapiroMaxRows is the largest sample the approximation covers.
const ShapiroMaxRows = 5000

// ShapiroResult is a Shapiro-Wilk normality test.
type ShapiroResult struct {
	W float64
	P float64
}

var (
	swAN   = []float64{0, 0.221157, -0.147981, -2.071190, 4.434685, -2.706056}
	swAN1  = []float64{0, 0.042981, -0.293762, -1.752461, 5.682633, -3.582633}
	swG    = []float64{-2.273, 0.459}
	swC3   = []float64{0.544, -0.39978, 0.025054, -6.714e-4}
	swC4   = []float64{1.3822, -0.77857, 0.062767, -0.0020322}
	swC5   = []float64{-1.5861, -0.31082, -0.083751, 0.0038915}
	swC6   = []float64{-0.4803, -0.082676, 0.0030302}
	small  = math.Asin(math.Sqrt(0.75))
	normal = distuv.UnitNormal
)

// ShapiroWilk tests x for normality using Royston's approximation of the
// coefficients and of the null distribution of W. Samples above
// ShapiroMaxRows should be subsampled by the caller.
func ShapiroWilk(x []float64) (ShapiroResult, error) {
	n := len(x)
	if n < 3 {
		return ShapiroResult{}, ErrTooFewRows
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	mean, variance := stat.MeanVariance(s, nil)
	ss := variance * float64(n-1)
	if ss == 0 || s[0] == s[n-1] {
		return ShapiroResult{}, ErrZeroVariance
	}

	a := shapiroCoefficients(n)
	var num float64
	for i, v := range s {
		num += a[i] * (v - mean)
	}
	w := math.Min(num*num/ss, 1)

	if n == 3 {
		p := 6 / math.Pi * (math.Asin(math.Sqrt(w)) - small)
		return ShapiroResult{W: w, P: math.Max(p, 0)}, nil
	}

	fn := float64(n)
	y := math.Log(1 - w)
	var m, sd float64
	if n <= 11 {
		gamma := poly(swG, fn)
		if y >= gamma {
			return ShapiroResult{W: w, P: 0}, nil
		}
		y = -math.Log(gamma - y)
		m = poly(swC3, fn)
		sd = math.Exp(poly(swC4, fn))
	} else {
		lx := math.Log(fn)
		m = poly(swC5, lx)
		sd = math.Exp(poly(swC6, lx))
	}
	return ShapiroResult{W: w, P: normal.Survival((y - m) / sd)}, nil
}

func shapiroCoefficients(n int) []float64 {
	a := make([]float64, n)
	if n == 3 {
		a[0], a[2] = -math.Sqrt(0.5), math.Sqrt(0.5)
		return a
	}
	fn := float64(n)
	m := make([]float64, n)
	var summ2 float64
	for i := range m {
		m[i] = normal.Quantile((float64(i+1) - 0.375) / (fn + 0.25))
		summ2 += m[i] * m[i]
	}
	norm := math.Sqrt(summ2)
	u := 1 / math.Sqrt(fn)

	an := m[n-1]/norm + poly(swAN, u)
	if n > 5 {
		an1 := m[n-2]/norm + poly(swAN1, u)
		phi := (summ2 - 2*m[n-1]*m[n-1] - 2*m[n-2]*m[n-2]) / (1 - 2*an*an - 2*an1*an1)
		for i := 2; i < n-2; i++ {
			a[i] = m[i] / math.Sqrt(phi)
		}
		a[0], a[1], a[n-2], a[n-1] = -an, -an1, an1, an
		return a
	}
	phi := (summ2 - 2*m[n-1]*m[n-1]) / (1 - 2*an*an)
	for i := 1; i < n-1; i++ {
		a[i] = m[i] / math.Sqrt(phi)
	}
	a[0], a[n-1] = -an, an
	return a
}

func poly(c []float64, x float64) float64 {
	var r float64
	for i := len(c) - 1; i >= 0; i-- {
		r = r*x + c[i]
	}
	return r
}
