package galaxy

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Shape is the (rows, cols) extent shared by every raster of an object.
type Shape struct {
	Rows int
	Cols int
}

// Size returns the number of pixels.
func (s Shape) Size() int { return s.Rows * s.Cols }

// Index returns the row-major linear id of pixel (y, x).
func (s Shape) Index(y, x int) int { return y*s.Cols + x }

// Coords is the inverse of Index.
func (s Shape) Coords(k int) (y, x int) { return k / s.Cols, k % s.Cols }

func (s Shape) String() string { return fmt.Sprintf("(%d, %d)", s.Rows, s.Cols) }

// IntGrid is a row-major grid of integer labels, used for segmentation maps
// and pixel id maps.
type IntGrid struct {
	rows   int
	cols   int
	values []int64
}

func NewIntGrid(rows, cols int) IntGrid {
	return IntGrid{rows: rows, cols: cols, values: make([]int64, rows*cols)}
}

// IntGridFrom wraps values, which must be in row-major order, without copying.
func IntGridFrom(rows, cols int, values []int64) (IntGrid, error) {
	if rows < 0 || cols < 0 || len(values) != rows*cols {
		return IntGrid{}, fmt.Errorf("int grid %dx%d from %d values", rows, cols, len(values))
	}
	return IntGrid{rows: rows, cols: cols, values: values}, nil
}

func (g IntGrid) Get(y, x int) int64     { return g.values[g.cols*y+x] }
func (g *IntGrid) Set(y, x int, v int64) { g.values[g.cols*y+x] = v }
func (g IntGrid) Dims() (rows, cols int) { return g.rows, g.cols }
func (g IntGrid) Shape() Shape           { return Shape{Rows: g.rows, Cols: g.cols} }

// Flat returns the backing values in row-major order. Callers must not modify it.
func (g IntGrid) Flat() []int64 { return g.values }

// Slice copies the half-open window [y0:y1, x0:x1].
func (g IntGrid) Slice(y0, y1, x0, x1 int) IntGrid {
	out := NewIntGrid(y1-y0, x1-x0)
	for y := y0; y < y1; y++ {
		copy(out.values[(y-y0)*out.cols:(y-y0+1)*out.cols], g.values[y*g.cols+x0:y*g.cols+x1])
	}
	return out
}

// Contains reports whether label v appears anywhere in the grid.
func (g IntGrid) Contains(v int64) bool {
	for _, w := range g.values {
		if w == v {
			return true
		}
	}
	return false
}

// PixelIDs returns the pixel id map for shape: ids 0..size-1 laid out row-major,
// so that PixelIDs(s).Flat()[k] == k. Every flatten and reshape in the
// catalog and fit packages depends on this order.
func PixelIDs(s Shape) IntGrid {
	g := NewIntGrid(s.Rows, s.Cols)
	for k := range g.values {
		g.values[k] = int64(k)
	}
	return g
}

// Flatten returns the elements of m in row-major order.
func Flatten(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, mat.Row(nil, i, m)...)
	}
	return out
}
