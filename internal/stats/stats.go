// Package stats isolates the numerical routines the delay-attribution
// engine needs (Pearson correlation and ordinary least squares) behind a
// small interface backed by gonum.
package stats

import "gonum.org/v1/gonum/stat"

// Fit is an ordinary-least-squares line y = C0 + C1*x together with the
// residual sum of squares.
type Fit struct {
	C0, C1 float64
	SumSq  float64
}

// Predict evaluates the fitted line at x.
func (f Fit) Predict(x float64) float64 {
	return f.C0 + f.C1*x
}

// Correlation returns the Pearson correlation coefficient between xs and
// ys. Returns 0 if fewer than two samples are given.
func Correlation(xs, ys []float64) float64 {
	if len(xs) < 2 || len(xs) != len(ys) {
		return 0
	}
	return stat.Correlation(xs, ys, nil)
}

// LinearFit computes the unweighted ordinary-least-squares fit of ys on
// xs. ok is false if fewer than two samples are given.
func LinearFit(xs, ys []float64) (Fit, bool) {
	if len(xs) < 2 || len(xs) != len(ys) {
		return Fit{}, false
	}
	c0, c1 := stat.LinearRegression(xs, ys, nil, false)
	fit := Fit{C0: c0, C1: c1}
	for i := range xs {
		residual := ys[i] - fit.Predict(xs[i])
		fit.SumSq += residual * residual
	}
	return fit, true
}
