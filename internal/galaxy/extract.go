package galaxy

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"spare/internal/errs"
)

// CatalogEntry is the catalog geometry of one object.
type CatalogEntry struct {
	ID   int64
	X, Y float64
	XMin int
	XMax int
	YMin int
	YMax int
}

// Catalog resolves an object id to its catalog geometry.
// Lookup must wrap errs.ErrNotFound for unknown ids.
type Catalog interface {
	Lookup(id int64) (CatalogEntry, error)
}

// Frames holds the full-frame survey rasters a cutout is carved from.
type Frames struct {
	Filters []string
	Values  map[string]*mat.Dense
	Errors  map[string]*mat.Dense
	Segmap  IntGrid
}

// Extract carves the cutout of object id out of frames, expanding the catalog
// bounding box by border pixels on every side. The window upper bounds are
// exclusive (max+border+1). Windows reaching outside the frame are not clamped;
// they are rejected with errs.ErrPrecondition and callers must pick a smaller border.
func Extract(id int64, cat Catalog, frames *Frames, border int) (*Object, error) {
	if border < 0 {
		return nil, fmt.Errorf("negative border %d: %w", border, errs.ErrPrecondition)
	}
	e, err := cat.Lookup(id)
	if err != nil {
		return nil, err
	}

	y0, y1 := e.YMin-border, e.YMax+border+1
	x0, x1 := e.XMin-border, e.XMax+border+1
	rows, cols := frames.Segmap.Dims()
	if y0 < 0 || x0 < 0 || y1 > rows || x1 > cols || y0 >= y1 || x0 >= x1 {
		return nil, fmt.Errorf("object %d: window [%d:%d, %d:%d] outside %dx%d frame: %w",
			id, y0, y1, x0, x1, rows, cols, errs.ErrPrecondition)
	}

	values := make(map[string]*mat.Dense, len(frames.Filters))
	errors := make(map[string]*mat.Dense, len(frames.Filters))
	for _, f := range frames.Filters {
		v, ok := frames.Values[f]
		if !ok {
			return nil, fmt.Errorf("frame values for %s: %w", f, errs.ErrNotFound)
		}
		ev, ok := frames.Errors[f]
		if !ok {
			return nil, fmt.Errorf("frame errors for %s: %w", f, errs.ErrNotFound)
		}
		if !sameDims(v, rows, cols) || !sameDims(ev, rows, cols) {
			return nil, fmt.Errorf("frame rasters for %s do not match %dx%d segmap: %w", f, rows, cols, errs.ErrInvariant)
		}
		values[f] = mat.DenseCopyOf(v.Slice(y0, y1, x0, x1))
		errors[f] = mat.DenseCopyOf(ev.Slice(y0, y1, x0, x1))
	}

	return New(id,
		Centroid{Y: e.Y, X: e.X},
		BBox{YMin: e.YMin, YMax: e.YMax, XMin: e.XMin, XMax: e.XMax},
		frames.Filters, values, errors,
		frames.Segmap.Slice(y0, y1, x0, x1))
}

func sameDims(m mat.Matrix, rows, cols int) bool {
	r, c := m.Dims()
	return r == rows && c == cols
}
