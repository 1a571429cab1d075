// Package fit maps the fitting engine's flat per-pixel output back onto
// objects and aggregates per-pixel chi2 curves into object redshifts.
package fit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"

	"spare/internal/errs"
	"spare/internal/galaxy"
)

// Bundle keys of the fit output file.
const (
	KeyZGrid       = "zgrid"
	KeyZBest       = "zbest"
	KeyChi2        = "chi2"
	KeyPercentiles = "pz_percentiles"
)

// Output is the fitting engine's result for a whole pixel catalog. Row i of
// ZBest, Chi2 and Percentiles belongs to catalog row i.
type Output struct {
	ZGrid []float64
	ZBest []float64
	// Chi2 is rows x len(ZGrid).
	Chi2 *mat.Dense
	// Percentiles is rows x 2 (lower, upper) or nil when the engine did not
	// provide posterior percentiles.
	Percentiles *mat.Dense
}

// Rows returns the number of catalog rows covered.
func (o *Output) Rows() int { return len(o.ZBest) }

// Validate checks the shapes of o against each other.
func (o *Output) Validate() error {
	if len(o.ZGrid) == 0 {
		return fmt.Errorf("fit output: empty zgrid: %w", errs.ErrInvariant)
	}
	for i := 1; i < len(o.ZGrid); i++ {
		if !(o.ZGrid[i] > o.ZGrid[i-1]) {
			return fmt.Errorf("fit output: zgrid not ascending at %d: %w", i, errs.ErrInvariant)
		}
	}
	if o.Chi2 == nil {
		return fmt.Errorf("fit output: missing chi2: %w", errs.ErrInvariant)
	}
	if r, c := o.Chi2.Dims(); r != len(o.ZBest) || c != len(o.ZGrid) {
		return fmt.Errorf("fit output: chi2 is %dx%d, want %dx%d: %w", r, c, len(o.ZBest), len(o.ZGrid), errs.ErrInvariant)
	}
	if o.Percentiles != nil {
		if r, c := o.Percentiles.Dims(); r != len(o.ZBest) || c != 2 {
			return fmt.Errorf("fit output: percentiles are %dx%d, want %dx2: %w", r, c, len(o.ZBest), errs.ErrInvariant)
		}
	}
	return nil
}

// ReadOutputFile reads a fit output bundle from path.
func ReadOutputFile(path string) (*Output, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("fit output %s: %w", path, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return ReadOutput(bytes.NewReader(raw), int64(len(raw)))
}

// ReadOutput reads an npz bundle holding zgrid, zbest and chi2, plus
// pz_percentiles when present. Arrays are read in row-major order; the chi2
// and percentile shapes are derived from the zgrid and zbest lengths.
func ReadOutput(r io.ReaderAt, size int64) (*Output, error) {
	zr, err := npz.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open fit output: %w", err)
	}
	keys := zr.Keys()

	read := func(name string, required bool) ([]float64, error) {
		key, ok := galaxy.BundleKey(keys, name)
		if !ok {
			if required {
				return nil, fmt.Errorf("fit output has no %s: %w", name, errs.ErrNotFound)
			}
			return nil, nil
		}
		var f64 []float64
		if err := zr.Read(key, &f64); err == nil {
			return f64, nil
		}
		var f32 []float32
		if err := zr.Read(key, &f32); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		out := make([]float64, len(f32))
		for i, v := range f32 {
			out[i] = float64(v)
		}
		return out, nil
	}

	out := &Output{}
	if out.ZGrid, err = read(KeyZGrid, true); err != nil {
		return nil, err
	}
	if out.ZBest, err = read(KeyZBest, true); err != nil {
		return nil, err
	}
	chi2, err := read(KeyChi2, true)
	if err != nil {
		return nil, err
	}
	rows, nz := len(out.ZBest), len(out.ZGrid)
	if rows == 0 || nz == 0 || len(chi2) != rows*nz {
		return nil, fmt.Errorf("fit output: chi2 has %d values for %d rows x %d redshifts: %w", len(chi2), rows, nz, errs.ErrInvariant)
	}
	out.Chi2 = mat.NewDense(rows, nz, chi2)

	pct, err := read(KeyPercentiles, false)
	if err != nil {
		return nil, err
	}
	if pct != nil {
		if len(pct) != 2*rows {
			return nil, fmt.Errorf("fit output: %s has %d values for %d rows: %w", KeyPercentiles, len(pct), rows, errs.ErrInvariant)
		}
		out.Percentiles = mat.NewDense(rows, 2, pct)
	}
	return out, out.Validate()
}

// WriteNPZ writes o in the layout ReadOutput expects.
func (o *Output) WriteNPZ(w io.Writer) error {
	if err := o.Validate(); err != nil {
		return err
	}
	zw := npz.NewWriter(w)
	arrays := []struct {
		name string
		data []float64
	}{
		{KeyZGrid, o.ZGrid},
		{KeyZBest, o.ZBest},
		{KeyChi2, galaxy.Flatten(o.Chi2)},
	}
	if o.Percentiles != nil {
		arrays = append(arrays, struct {
			name string
			data []float64
		}{KeyPercentiles, galaxy.Flatten(o.Percentiles)})
	}
	for _, a := range arrays {
		if err := zw.Write(a.name, a.data); err != nil {
			return fmt.Errorf("encode %s: %w", a.name, err)
		}
	}
	return zw.Close()
}
