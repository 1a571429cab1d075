package fit

import (
	"fmt"

	"spare/internal/errs"
	"spare/internal/galaxy"
)

// Conf is a Phot with per-pixel posterior percentile bounds.
type Conf struct {
	*Phot
	Lower, Upper []float64
	Percentiles  [2]float64
	Interval     float64
}

// Flags is a per-pixel boolean map indexed by pixel id.
type Flags struct {
	shape  galaxy.Shape
	values []bool
}

func (f Flags) Bools() []bool       { return append([]bool(nil), f.values...) }
func (f Flags) At(y, x int) bool    { return f.values[f.shape.Index(y, x)] }
func (f Flags) Shape() galaxy.Shape { return f.shape }

// AsMask inverts f so that pixels where the flag holds are unmasked (false).
func (f Flags) AsMask() []bool {
	out := make([]bool, len(f.values))
	for k, v := range f.values {
		out[k] = !v
	}
	return out
}

// Count returns the number of pixels where the flag holds.
func (f Flags) Count() int {
	n := 0
	for _, v := range f.values {
		if v {
			n++
		}
	}
	return n
}

// WithConfidence attaches lower and upper redshift bounds, one per pixel id,
// taken at the given posterior percentiles. A pixel is confident when
// upper-lower is at most interval.
func (p *Phot) WithConfidence(lower, upper []float64, percentiles [2]float64, interval float64) (*Conf, error) {
	n := p.Object.Size()
	if len(lower) != n || len(upper) != n {
		return nil, fmt.Errorf("object %d: bounds have %d/%d values, want %d: %w", p.Object.ID, len(lower), len(upper), n, errs.ErrInvariant)
	}
	if !(interval > 0) {
		return nil, fmt.Errorf("confidence interval %g: %w", interval, errs.ErrPrecondition)
	}
	return &Conf{
		Phot:        p,
		Lower:       append([]float64(nil), lower...),
		Upper:       append([]float64(nil), upper...),
		Percentiles: percentiles,
		Interval:    interval,
	}, nil
}

func (c *Conf) flags(pred func(k int) bool) Flags {
	f := Flags{shape: c.Object.Shape(), values: make([]bool, c.Object.Size())}
	for k := range f.values {
		f.values[k] = pred(k)
	}
	return f
}

// IsAboveLower holds where zbest >= lower.
func (c *Conf) IsAboveLower() Flags {
	return c.flags(func(k int) bool { return c.Slice.ZBest[k] >= c.Lower[k] })
}

// IsBelowUpper holds where zbest <= upper.
func (c *Conf) IsBelowUpper() Flags {
	return c.flags(func(k int) bool { return c.Slice.ZBest[k] <= c.Upper[k] })
}

// IsWithin holds where zbest lies inside [lower, upper].
func (c *Conf) IsWithin() Flags {
	return c.flags(func(k int) bool {
		z := c.Slice.ZBest[k]
		return z >= c.Lower[k] && z <= c.Upper[k]
	})
}

// IsConfident holds where the pixel was fitted and upper-lower <= interval.
func (c *Conf) IsConfident() Flags {
	return c.flags(func(k int) bool { return c.Fitted[k] && c.Upper[k]-c.Lower[k] <= c.Interval })
}

// IsWithinAndConfident is IsWithin AND IsConfident.
func (c *Conf) IsWithinAndConfident() Flags {
	within, confident := c.IsWithin(), c.IsConfident()
	return c.flags(func(k int) bool { return within.values[k] && confident.values[k] })
}

// Width returns upper-lower per pixel id, with ok false for unfitted pixels.
func (c *Conf) Width(k int) (float64, bool) {
	if !c.Fitted[k] {
		return 0, false
	}
	return c.Upper[k] - c.Lower[k], true
}

func (c *Conf) String() string { return "Conf" + c.Object.String() }
