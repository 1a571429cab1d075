package fit

import (
	"errors"

	"spare/internal/errs"
)

// ObjectResult is the per-object outcome of an extraction pass.
type ObjectResult struct {
	ObjectIndex  int      `json:"object_index"`
	ObjectID     int64    `json:"object_id"`
	Pixels       int      `json:"pixels"`
	FittedPixels int      `json:"fitted_pixels"`
	ZChi2        *float64 `json:"zchi2,omitempty"`
	SegmapPixels int      `json:"segmap_pixels"`
	ZChi2Segmap  *float64 `json:"zchi2_segmap,omitempty"`

	HasConfidence      bool `json:"has_confidence"`
	Confident          int  `json:"confident"`
	Within             int  `json:"within"`
	WithinAndConfident int  `json:"within_and_confident"`
}

// Summarize aggregates p over all pixels and over its own segmap pixels.
// Objects with no usable pixels get nil redshifts instead of an error.
func (p *Phot) Summarize() (ObjectResult, error) {
	r := ObjectResult{
		ObjectIndex:  p.Slice.ObjectIndex,
		ObjectID:     p.Object.ID,
		Pixels:       p.Object.Size(),
		FittedPixels: p.FittedCount(),
	}
	z, err := p.BestRedshift()
	switch {
	case err == nil:
		r.ZChi2 = &z
	case !errors.Is(err, errs.ErrPrecondition):
		return ObjectResult{}, err
	}
	agg, err := p.AggregateOver(nil)
	switch {
	case err == nil:
		r.ZChi2Segmap = &agg.BestRedshift
		r.SegmapPixels = agg.Pixels
	case !errors.Is(err, errs.ErrPrecondition):
		return ObjectResult{}, err
	}
	return r, nil
}

// Summarize adds confidence counts to the Phot summary. Counts cover fitted
// pixels only, even where bounds around the no-fit value would flag others.
func (c *Conf) Summarize() (ObjectResult, error) {
	r, err := c.Phot.Summarize()
	if err != nil {
		return r, err
	}
	r.HasConfidence = true
	r.Confident = c.IsConfident().Count()
	r.Within = c.fittedCount(c.IsWithin())
	r.WithinAndConfident = c.IsWithinAndConfident().Count()
	return r, nil
}

func (c *Conf) fittedCount(f Flags) int {
	n := 0
	for k, ok := range f.values {
		if ok && c.Fitted[k] {
			n++
		}
	}
	return n
}
