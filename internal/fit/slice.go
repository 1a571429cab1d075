package fit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"spare/internal/catalog"
	"spare/internal/errs"
)

// Slice is the block of fit output rows belonging to one object, in pixel id
// order.
type Slice struct {
	ObjectIndex int
	ObjectID    int64
	// Start and End delimit the half-open row range [Start, End).
	Start, End int
	ZGrid      []float64
	ZBest      []float64
	Chi2       *mat.Dense
	// Lower and Upper are nil when the output carries no percentiles.
	Lower, Upper []float64
}

// RowIDs returns the catalog row ids of the slice.
func (s *Slice) RowIDs() []int {
	ids := make([]int, 0, s.End-s.Start)
	for i := s.Start; i < s.End; i++ {
		ids = append(ids, i)
	}
	return ids
}

func (s *Slice) Len() int { return s.End - s.Start }

// SliceForObject finds the rows of objectIndex in table and cuts the matching
// rows out of out. The rows must form one contiguous block with pixel ids
// 0..n-1 in order; anything else is an invariant violation and no partial
// result is returned.
func SliceForObject(table *catalog.Table, objectIndex int, out *Output) (*Slice, error) {
	if out.Rows() != table.Len() {
		return nil, fmt.Errorf("fit output has %d rows, pixel catalog has %d: %w", out.Rows(), table.Len(), errs.ErrInvariant)
	}

	start, end := -1, -1
	for i, idx := range table.ObjectIndex {
		if idx != objectIndex {
			continue
		}
		if start < 0 {
			start = i
		} else if i != end {
			return nil, fmt.Errorf("object index %d: rows not contiguous (gap before row %d): %w", objectIndex, i, errs.ErrInvariant)
		}
		end = i + 1
	}
	if start < 0 {
		return nil, fmt.Errorf("object index %d not in pixel catalog: %w", objectIndex, errs.ErrNotFound)
	}

	objectID := table.ObjectID[start]
	for i := start; i < end; i++ {
		if got, want := table.PixelID[i], int64(i-start); got != want {
			return nil, fmt.Errorf("object index %d: row %d has pixel id %d, want %d: %w", objectIndex, i, got, want, errs.ErrInvariant)
		}
		if table.ObjectID[i] != objectID {
			return nil, fmt.Errorf("object index %d: row %d has object id %d, want %d: %w", objectIndex, i, table.ObjectID[i], objectID, errs.ErrInvariant)
		}
	}

	nz := len(out.ZGrid)
	s := &Slice{
		ObjectIndex: objectIndex,
		ObjectID:    objectID,
		Start:       start,
		End:         end,
		ZGrid:       out.ZGrid,
		ZBest:       append([]float64(nil), out.ZBest[start:end]...),
		Chi2:        mat.DenseCopyOf(out.Chi2.Slice(start, end, 0, nz)),
	}
	if out.Percentiles != nil {
		s.Lower = mat.Col(nil, 0, out.Percentiles.Slice(start, end, 0, 2))
		s.Upper = mat.Col(nil, 1, out.Percentiles.Slice(start, end, 0, 2))
	}
	return s, nil
}
