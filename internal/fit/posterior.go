package fit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"spare/internal/errs"
)

// PosteriorBounds returns the redshifts at two percentiles of the posterior
// p(z) ∝ exp(-(chi2(z)-min chi2)/2) over an ascending zgrid.
func PosteriorBounds(zgrid, chi2 []float64, percentiles [2]float64) (lower, upper float64, err error) {
	if len(zgrid) == 0 || len(zgrid) != len(chi2) {
		return 0, 0, fmt.Errorf("posterior: %d redshifts, %d chi2 values: %w", len(zgrid), len(chi2), errs.ErrInvariant)
	}
	if !(percentiles[0] > 0 && percentiles[0] <= percentiles[1] && percentiles[1] < 100) {
		return 0, 0, fmt.Errorf("posterior: percentiles %v: %w", percentiles, errs.ErrPrecondition)
	}
	lo := floats.Min(chi2)
	if math.IsNaN(lo) || math.IsInf(lo, 0) {
		return 0, 0, fmt.Errorf("posterior: chi2 minimum is %g: %w", lo, errs.ErrPrecondition)
	}
	weights := make([]float64, len(chi2))
	for i, c := range chi2 {
		weights[i] = math.Exp(-(c - lo) / 2)
	}
	lower = stat.Quantile(percentiles[0]/100, stat.Empirical, zgrid, weights)
	upper = stat.Quantile(percentiles[1]/100, stat.Empirical, zgrid, weights)
	return lower, upper, nil
}

// PosteriorConfidence derives per-pixel bounds from each fitted pixel's chi2
// curve and attaches them. Unfitted pixels get NaN bounds.
func (p *Phot) PosteriorConfidence(percentiles [2]float64, interval float64) (*Conf, error) {
	n := p.Object.Size()
	lower := make([]float64, n)
	upper := make([]float64, n)
	row := make([]float64, len(p.Slice.ZGrid))
	for k := 0; k < n; k++ {
		if !p.Fitted[k] {
			lower[k], upper[k] = math.NaN(), math.NaN()
			continue
		}
		mat.Row(row, k, p.Slice.Chi2)
		lo, hi, err := PosteriorBounds(p.Slice.ZGrid, row, percentiles)
		if err != nil {
			return nil, fmt.Errorf("object %d pixel %d: %w", p.Object.ID, k, err)
		}
		lower[k], upper[k] = lo, hi
	}
	return p.WithConfidence(lower, upper, percentiles, interval)
}

// Confidence attaches the bounds carried by the fit slice, or derives them
// from the chi2 curves when the engine supplied none.
func (p *Phot) Confidence(percentiles [2]float64, interval float64) (*Conf, error) {
	if p.Slice.Lower != nil && p.Slice.Upper != nil {
		return p.WithConfidence(p.Slice.Lower, p.Slice.Upper, percentiles, interval)
	}
	return p.PosteriorConfidence(percentiles, interval)
}
