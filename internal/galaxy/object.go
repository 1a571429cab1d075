package galaxy

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"spare/internal/errs"
)

// Centroid is the (Y, X) catalog position of an object.
type Centroid struct {
	Y float64
	X float64
}

// BBox is the inclusive catalog bounding box, before any border expansion.
type BBox struct {
	YMin, YMax int
	XMin, XMax int
}

// Object is one catalog entry's pixel footprint across all filters.
// Values, Errors and Segmap always share one shape.
type Object struct {
	ID       int64
	Centroid Centroid
	BBox     BBox
	Filters  []string
	Values   map[string]*mat.Dense
	Errors   map[string]*mat.Dense
	Segmap   IntGrid
}

// New builds an Object and checks the shape invariant.
func New(id int64, centroid Centroid, bbox BBox, filters []string, values, errors map[string]*mat.Dense, segmap IntGrid) (*Object, error) {
	o := &Object{
		ID:       id,
		Centroid: centroid,
		BBox:     bbox,
		Filters:  append([]string(nil), filters...),
		Values:   values,
		Errors:   errors,
		Segmap:   segmap,
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Object) Shape() Shape { return o.Segmap.Shape() }
func (o *Object) Size() int    { return o.Shape().Size() }

// PixelIDs is regenerated from the shape on every call and never persisted.
func (o *Object) PixelIDs() IntGrid { return PixelIDs(o.Shape()) }

// Validate checks that every filter has a value and an error raster shaped like the segmap.
func (o *Object) Validate() error {
	rows, cols := o.Segmap.Dims()
	for _, f := range o.Filters {
		for kind, set := range map[string]map[string]*mat.Dense{"values": o.Values, "errors": o.Errors} {
			m, ok := set[f]
			if !ok || m == nil {
				return fmt.Errorf("object %d: missing %s raster for %s: %w", o.ID, kind, f, errs.ErrInvariant)
			}
			if r, c := m.Dims(); r != rows || c != cols {
				return fmt.Errorf("object %d: %s raster %s is %dx%d, segmap is %dx%d: %w",
					o.ID, kind, f, r, c, rows, cols, errs.ErrInvariant)
			}
		}
	}
	return nil
}

func (o *Object) String() string {
	return fmt.Sprintf("Galaxy: %d, (X,Y)(%g, %g), shape%s", o.ID, o.Centroid.X, o.Centroid.Y, o.Shape())
}

// Using names which raster set ReplaceUnused scans.
type Using string

const (
	UseValues Using = "values"
	UseErrors Using = "errors"
)

// ReplaceUnused overwrites both the value and the error raster of a filter with
// replacement wherever the raster named by using equals unused. A NaN unused
// value matches NaN pixels. It must run before the object is persisted.
func (o *Object) ReplaceUnused(unused, replacement float64, using Using, log *slog.Logger) error {
	var src map[string]*mat.Dense
	switch using {
	case UseValues:
		src = o.Values
	case UseErrors:
		src = o.Errors
	default:
		return fmt.Errorf("replace using %q: %w", using, errs.ErrPrecondition)
	}

	rows, cols := o.Segmap.Dims()
	for _, f := range o.Filters {
		img := src[f]
		var hits []int
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				v := img.At(y, x)
				if v == unused || (math.IsNaN(unused) && math.IsNaN(v)) {
					hits = append(hits, y*cols+x)
				}
			}
		}
		for _, k := range hits {
			o.Values[f].Set(k/cols, k%cols, replacement)
			o.Errors[f].Set(k/cols, k%cols, replacement)
		}
		if log != nil {
			log.Debug("replaced unused pixels", "object", o.ID, "filter", f, "using", string(using), "pixels", len(hits))
		}
	}
	return nil
}
