package stats

import (
	"errors"
	"math"
	"testing"
)

func near(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestTTest(t *testing.T) {
	res, err := TTest([]float64{1, 2, 3, 4, 5}, []float64{2, 3, 4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	near(t, "t", res.T, -1, 1e-12)
	near(t, "p", res.P, 0.34659350708733416, 1e-6)
	near(t, "df", res.DF, 8, 0)

	if _, err := TTest([]float64{1}, []float64{2, 3}); !errors.Is(err, ErrTooFewRows) {
		t.Errorf("TTest() short err = %v", err)
	}
	if _, err := TTest([]float64{1, 1}, []float64{1, 1}); !errors.Is(err, ErrZeroVariance) {
		t.Errorf("TTest() constant err = %v", err)
	}
}

func TestOneWayANOVA(t *testing.T) {
	res, err := OneWayANOVA([][]float64{{1, 2, 3}, {4, 5, 6}})
	if err != nil {
		t.Fatal(err)
	}
	near(t, "F", res.F, 13.5, 1e-12)
	near(t, "p", res.P, 0.02131164113, 1e-4)

	// Two groups reduce to the squared t statistic.
	tt, _ := TTest([]float64{1, 2, 3}, []float64{4, 5, 6})
	near(t, "F vs t²", res.F, tt.T*tt.T, 1e-9)
	near(t, "p vs t", res.P, tt.P, 1e-9)

	if _, err := OneWayANOVA([][]float64{{1, 2}}); !errors.Is(err, ErrTooFewRows) {
		t.Errorf("single group err = %v", err)
	}
}

func TestLevene(t *testing.T) {
	res, err := Levene([][]float64{{1, 2, 3}, {4, 5, 6}})
	if err != nil {
		t.Fatal(err)
	}
	near(t, "W", res.W, 0, 1e-12)
	near(t, "p", res.P, 1, 1e-12)

	wide, err := Levene([][]float64{{10, 10.1, 9.9, 10, 10.2}, {0, 20, -5, 30, 10}})
	if err != nil {
		t.Fatal(err)
	}
	if wide.P > 0.05 {
		t.Errorf("unequal spread p = %v", wide.P)
	}
}

func TestChiSquareYates(t *testing.T) {
	res, err := ChiSquare([][]float64{{10, 20}, {30, 40}})
	if err != nil {
		t.Fatal(err)
	}
	if res.DOF != 1 {
		t.Errorf("DOF = %d", res.DOF)
	}
	near(t, "chi2", res.Chi2, 0.44642857, 1e-6)
	if res.P < 0.5 || res.P > 0.51 {
		t.Errorf("p = %v", res.P)
	}
	near(t, "expected[0][0]", res.Expected[0][0], 12, 1e-12)
	if res.LowExpected {
		t.Error("LowExpected set for large cells")
	}

	low, err := ChiSquare([][]float64{{1, 2, 0}, {2, 1, 3}})
	if err != nil {
		t.Fatal(err)
	}
	if low.DOF != 2 || !low.LowExpected {
		t.Errorf("low = %+v", low)
	}
}

func TestCorrelation(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{2, 4, 6, 8, 10}
	res, err := Pearson(x, y)
	if err != nil {
		t.Fatal(err)
	}
	near(t, "r", res.R, 1, 1e-12)
	near(t, "slope", res.Slope, 2, 1e-12)
	near(t, "intercept", res.Intercept, 0, 1e-12)
	near(t, "p", res.P, 0, 1e-12)

	sp, err := Spearman(x, []float64{1, 4, 9, 16, 25})
	if err != nil {
		t.Fatal(err)
	}
	near(t, "rho", sp.R, 1, 1e-12)

	same := []float64{7, 7, 7, 7, 7, 7, 7, 7, 7, 7}
	res, err = Pearson(same, same)
	if !errors.Is(err, ErrZeroVariance) {
		t.Fatalf("Pearson() constant err = %v", err)
	}
	if !math.IsNaN(res.R) {
		t.Errorf("r = %v, want NaN", res.R)
	}
}

func TestRank(t *testing.T) {
	got := Rank([]float64{10, 20, 10, 30})
	want := []float64{1.5, 3, 1.5, 4}
	for i := range want {
		near(t, "rank", got[i], want[i], 0)
	}
}

func TestShapiroWilk(t *testing.T) {
	tests := []struct {
		name string
		x    []float64
		w, p float64
		wtol float64
		ptol float64
	}{
		{"uniform ten", []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 0.9701646, 0.8923673, 1e-6, 1e-5},
		{"three", []float64{2, 3, 5}, 0.9642857, 0.6368868, 1e-6, 1e-5},
		{"outlier", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 100}, 0.4823729, 2.2107e-07, 1e-6, 1e-9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ShapiroWilk(tt.x)
			if err != nil {
				t.Fatal(err)
			}
			near(t, "W", res.W, tt.w, tt.wtol)
			near(t, "p", res.P, tt.p, tt.ptol)
		})
	}

	if _, err := ShapiroWilk([]float64{1, 2}); !errors.Is(err, ErrTooFewRows) {
		t.Errorf("short err = %v", err)
	}
	if _, err := ShapiroWilk([]float64{4, 4, 4, 4}); !errors.Is(err, ErrZeroVariance) {
		t.Errorf("constant err = %v", err)
	}
}

func TestMedianQuartiles(t *testing.T) {
	near(t, "median odd", Median([]float64{3, 1, 2}), 2, 0)
	near(t, "median even", Median([]float64{4, 1, 3, 2}), 2.5, 0)
	if !math.IsNaN(Median(nil)) {
		t.Error("Median(nil) not NaN")
	}
	q1, q3 := Quartiles([]float64{1, 2, 3, 4, 5})
	near(t, "q1", q1, 2, 0)
	near(t, "q3", q3, 4, 0)
}

func TestSampleIndices(t *testing.T) {
	if got := SampleIndices(3, 10); len(got) != 3 || got[2] != 2 {
		t.Errorf("SampleIndices(3, 10) = %v", got)
	}
	a := SampleIndices(5000, 1000)
	b := SampleIndices(5000, 1000)
	if len(a) != 1000 {
		t.Fatalf("len = %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("sampling is not deterministic")
		}
		if i > 0 && a[i] <= a[i-1] {
			t.Fatal("indices not ascending and unique")
		}
	}
}
