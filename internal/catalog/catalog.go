// Package catalog flattens a selection of objects into the pixel catalog
// handed to the redshift fitting engine: one row per pixel, each object's
// rows forming one contiguous block in selection order.
package catalog

import (
	"fmt"
	"slices"
	"unicode/utf8"

	"spare/internal/errs"
	"spare/internal/galaxy"
)

// Index column names, in file order.
const (
	ColID          = "id"
	ColObjectIndex = "object_index"
	ColObjectID    = "object_id"
	ColPixelID     = "pixel_id"
)

var indexColumns = []string{ColID, ColObjectIndex, ColObjectID, ColPixelID}

// Table is a pixel catalog. The row id of row i is i.
type Table struct {
	// Columns lists the photometry columns in file order: every filter's
	// value column, then every filter's error column.
	Columns     []string
	ObjectIndex []int
	ObjectID    []int64
	PixelID     []int64
	Photometry  map[string][]float64
}

// Row is one pixel of the catalog.
type Row struct {
	ID          int
	ObjectIndex int
	ObjectID    int64
	PixelID     int64
	Photometry  []float64 // ordered as Table.Columns
}

// ErrorColumn derives the error column name of a filter by replacing its
// leading character with marker.
func ErrorColumn(filter, marker string) string {
	_, n := utf8.DecodeRuneInString(filter)
	return marker + filter[n:]
}

// Build flattens objs in order. objs[i] becomes object_index i; its rows are
// emitted in ascending pixel id order, which is the row-major order of its cutout.
func Build(objs []*galaxy.Object, errorMarker string) (*Table, error) {
	if len(objs) == 0 {
		return nil, fmt.Errorf("build pixel catalog: no objects: %w", errs.ErrPrecondition)
	}
	filters := objs[0].Filters
	if len(filters) == 0 {
		return nil, fmt.Errorf("build pixel catalog: object %d has no filters: %w", objs[0].ID, errs.ErrPrecondition)
	}

	cols := make([]string, 0, 2*len(filters))
	cols = append(cols, filters...)
	for _, f := range filters {
		cols = append(cols, ErrorColumn(f, errorMarker))
	}
	seen := make(map[string]bool, len(cols)+len(indexColumns))
	for _, c := range append(slices.Clone(indexColumns), cols...) {
		if c == "" || seen[c] {
			return nil, fmt.Errorf("build pixel catalog: duplicate or empty column %q: %w", c, errs.ErrInvariant)
		}
		seen[c] = true
	}

	total := 0
	for i, o := range objs {
		if !slices.Equal(o.Filters, filters) {
			return nil, fmt.Errorf("build pixel catalog: object %d (index %d) has filters %v, want %v: %w",
				o.ID, i, o.Filters, filters, errs.ErrInvariant)
		}
		if err := o.Validate(); err != nil {
			return nil, err
		}
		total += o.Size()
	}

	t := &Table{
		Columns:     cols,
		ObjectIndex: make([]int, 0, total),
		ObjectID:    make([]int64, 0, total),
		PixelID:     make([]int64, 0, total),
		Photometry:  make(map[string][]float64, len(cols)),
	}
	for _, c := range cols {
		t.Photometry[c] = make([]float64, 0, total)
	}
	for idx, o := range objs {
		for _, pid := range o.PixelIDs().Flat() {
			t.ObjectIndex = append(t.ObjectIndex, idx)
			t.ObjectID = append(t.ObjectID, o.ID)
			t.PixelID = append(t.PixelID, pid)
		}
		for i, f := range filters {
			errCol := cols[len(filters)+i]
			t.Photometry[f] = append(t.Photometry[f], galaxy.Flatten(o.Values[f])...)
			t.Photometry[errCol] = append(t.Photometry[errCol], galaxy.Flatten(o.Errors[f])...)
		}
	}
	return t, nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.PixelID) }

// Row returns row i.
func (t *Table) Row(i int) Row {
	r := Row{ID: i, ObjectIndex: t.ObjectIndex[i], ObjectID: t.ObjectID[i], PixelID: t.PixelID[i],
		Photometry: make([]float64, len(t.Columns))}
	for k, c := range t.Columns {
		r.Photometry[k] = t.Photometry[c][i]
	}
	return r
}

// Rows returns every row in order.
func (t *Table) Rows() []Row {
	out := make([]Row, t.Len())
	for i := range out {
		out[i] = t.Row(i)
	}
	return out
}

// ObjectIndices returns the distinct object indices in ascending order.
func (t *Table) ObjectIndices() []int {
	out := slices.Clone(t.ObjectIndex)
	slices.Sort(out)
	return slices.Compact(out)
}

// ObjectIDs maps each object index to its catalog id.
func (t *Table) ObjectIDs() map[int]int64 {
	out := make(map[int]int64)
	for i, idx := range t.ObjectIndex {
		out[idx] = t.ObjectID[i]
	}
	return out
}

// validate checks that every column has one value per row.
func (t *Table) validate() error {
	n := t.Len()
	if len(t.ObjectIndex) != n || len(t.ObjectID) != n {
		return fmt.Errorf("pixel catalog: index columns have unequal lengths: %w", errs.ErrInvariant)
	}
	for _, c := range t.Columns {
		if len(t.Photometry[c]) != n {
			return fmt.Errorf("pixel catalog: column %s has %d rows, want %d: %w", c, len(t.Photometry[c]), n, errs.ErrInvariant)
		}
	}
	return nil
}
