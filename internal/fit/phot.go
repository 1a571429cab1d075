package fit

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"spare/internal/errs"
	"spare/internal/galaxy"
)

// Phot is an object together with its per-pixel fit results. Pixels whose
// zbest equals the no-fit value are marked unfitted in Fitted and take no
// part in any aggregation.
type Phot struct {
	Object *galaxy.Object
	Slice  *Slice
	// Fitted[k] reports whether pixel id k was fitted.
	Fitted []bool

	once  sync.Once
	total []float64
	best  float64
	err   error
}

// Aggregate is an object-level chi2 sum over a set of pixels.
type Aggregate struct {
	BestRedshift float64
	TotalChi2    []float64
	Pixels       int
}

// NewPhot attaches s to obj. A pixel is unfitted when its zbest equals
// noFitValue (a NaN noFitValue matches NaN) or when its chi2 curve holds a
// NaN, so argmin never has to pick around NaN entries.
func NewPhot(obj *galaxy.Object, s *Slice, noFitValue float64) (*Phot, error) {
	if s.Len() != obj.Size() {
		return nil, fmt.Errorf("object %d: fit slice has %d rows, object has %d pixels: %w", obj.ID, s.Len(), obj.Size(), errs.ErrInvariant)
	}
	if s.ObjectID != obj.ID {
		return nil, fmt.Errorf("fit slice belongs to object %d, not %d: %w", s.ObjectID, obj.ID, errs.ErrInvariant)
	}
	fitted := make([]bool, len(s.ZBest))
	row := make([]float64, len(s.ZGrid))
	for k, z := range s.ZBest {
		if z == noFitValue || (math.IsNaN(noFitValue) && math.IsNaN(z)) {
			continue
		}
		mat.Row(row, k, s.Chi2)
		fitted[k] = !floats.HasNaN(row)
	}
	return &Phot{Object: obj, Slice: s, Fitted: fitted}, nil
}

// TotalChi2 sums the chi2 curves of every fitted pixel. It is computed once.
func (p *Phot) TotalChi2() ([]float64, error) {
	p.compute()
	return p.total, p.err
}

// BestRedshift is the zgrid value at the minimum of TotalChi2; ties go to
// the lowest redshift. Curves with NaN entries never reach the sum (see
// NewPhot), so the minimum is taken over finite or infinite values only.
func (p *Phot) BestRedshift() (float64, error) {
	p.compute()
	return p.best, p.err
}

func (p *Phot) compute() {
	p.once.Do(func() {
		agg, err := p.aggregate(nil)
		if err != nil {
			p.err = err
			return
		}
		p.total, p.best = agg.TotalChi2, agg.BestRedshift
	})
}

// AggregateOver sums the chi2 curves of the fitted pixels selected by mask,
// indexed by pixel id. A nil mask selects the pixels the segmap assigns to
// the object itself, which leaves out border pixels and neighbours.
func (p *Phot) AggregateOver(mask []bool) (Aggregate, error) {
	if mask == nil {
		mask = p.OwnPixels()
	}
	if len(mask) != p.Object.Size() {
		return Aggregate{}, fmt.Errorf("object %d: mask has %d pixels, want %d: %w", p.Object.ID, len(mask), p.Object.Size(), errs.ErrInvariant)
	}
	return p.aggregate(mask)
}

// OwnPixels returns the mask of pixels whose segmap label is the object's id.
func (p *Phot) OwnPixels() []bool {
	labels := p.Object.Segmap.Flat()
	mask := make([]bool, len(labels))
	for k, l := range labels {
		mask[k] = l == p.Object.ID
	}
	return mask
}

func (p *Phot) aggregate(mask []bool) (Aggregate, error) {
	nz := len(p.Slice.ZGrid)
	total := make([]float64, nz)
	row := make([]float64, nz)
	n := 0
	for k, ok := range p.Fitted {
		if !ok || (mask != nil && !mask[k]) {
			continue
		}
		mat.Row(row, k, p.Slice.Chi2)
		floats.Add(total, row)
		n++
	}
	if n == 0 {
		return Aggregate{}, fmt.Errorf("object %d: no fitted pixels to aggregate: %w", p.Object.ID, errs.ErrPrecondition)
	}
	return Aggregate{BestRedshift: p.Slice.ZGrid[floats.MinIdx(total)], TotalChi2: total, Pixels: n}, nil
}

// ZBestGrid reshapes zbest onto the object's pixel grid. Unfitted pixels
// keep the engine's no-fit value; use FittedAt to tell them apart.
func (p *Phot) ZBestGrid() *mat.Dense {
	s := p.Object.Shape()
	return mat.NewDense(s.Rows, s.Cols, append([]float64(nil), p.Slice.ZBest...))
}

// FittedAt reports whether the pixel at (y, x) was fitted.
func (p *Phot) FittedAt(y, x int) bool {
	return p.Fitted[p.Object.Shape().Index(y, x)]
}

// Chi2At returns the chi2 curve of the pixel at (y, x), or false if the
// pixel was not fitted.
func (p *Phot) Chi2At(y, x int) ([]float64, bool) {
	k := p.Object.Shape().Index(y, x)
	if !p.Fitted[k] {
		return nil, false
	}
	return mat.Row(nil, k, p.Slice.Chi2), true
}

// RowIDGrid reshapes the catalog row ids onto the object's pixel grid.
func (p *Phot) RowIDGrid() galaxy.IntGrid {
	s := p.Object.Shape()
	g := galaxy.NewIntGrid(s.Rows, s.Cols)
	for k := 0; k < s.Size(); k++ {
		y, x := s.Coords(k)
		g.Set(y, x, int64(p.Slice.Start+k))
	}
	return g
}

// FittedCount returns the number of fitted pixels.
func (p *Phot) FittedCount() int {
	n := 0
	for _, ok := range p.Fitted {
		if ok {
			n++
		}
	}
	return n
}

func (p *Phot) String() string { return "Phot" + p.Object.String() }
