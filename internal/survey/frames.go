package survey

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"spare/internal/errs"
	"spare/internal/galaxy"
)

// FramePaths names the files making up one survey frame set.
type FramePaths struct {
	Filters []string
	Values  map[string]string
	Errors  map[string]string
	Segmap  string
}

// LoadFrames reads every raster named in p. All rasters must share the
// segmap's shape.
func LoadFrames(p FramePaths) (*galaxy.Frames, error) {
	segmap, err := ReadIntGrid(p.Segmap)
	if err != nil {
		return nil, fmt.Errorf("segmap: %w", err)
	}
	rows, cols := segmap.Dims()

	frames := &galaxy.Frames{
		Filters: append([]string(nil), p.Filters...),
		Values:  make(map[string]*mat.Dense, len(p.Filters)),
		Errors:  make(map[string]*mat.Dense, len(p.Filters)),
		Segmap:  segmap,
	}
	for _, f := range p.Filters {
		for _, set := range []struct {
			paths map[string]string
			dst   map[string]*mat.Dense
			kind  string
		}{{p.Values, frames.Values, "values"}, {p.Errors, frames.Errors, "errors"}} {
			path, ok := set.paths[f]
			if !ok {
				return nil, fmt.Errorf("no %s image for filter %s: %w", set.kind, f, errs.ErrNotFound)
			}
			m, err := ReadDense(path)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", set.kind, f, err)
			}
			if r, c := m.Dims(); r != rows || c != cols {
				return nil, fmt.Errorf("%s %s is %dx%d, segmap is %dx%d: %w", set.kind, f, r, c, rows, cols, errs.ErrInvariant)
			}
			set.dst[f] = m
		}
	}
	return frames, nil
}

// ReadDense reads a 2-D float .npy file (float64 or float32) into a matrix.
func ReadDense(path string) (*mat.Dense, error) {
	raw, shape, kind, err := readNPY(path)
	if err != nil {
		return nil, err
	}
	if kind != 'f' {
		return nil, fmt.Errorf("%s: want float array: %w", path, errs.ErrInvariant)
	}
	data, err := DecodeFloats(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mat.NewDense(shape[0], shape[1], data), nil
}

// ReadIntGrid reads a 2-D integer .npy file into a label grid.
func ReadIntGrid(path string) (galaxy.IntGrid, error) {
	raw, shape, kind, err := readNPY(path)
	if err != nil {
		return galaxy.IntGrid{}, err
	}
	if kind != 'i' && kind != 'u' {
		return galaxy.IntGrid{}, fmt.Errorf("%s: want integer array: %w", path, errs.ErrInvariant)
	}
	data, err := DecodeInts(raw)
	if err != nil {
		return galaxy.IntGrid{}, fmt.Errorf("%s: %w", path, err)
	}
	return galaxy.IntGridFrom(shape[0], shape[1], data)
}

// DecodeFloats reads an npy payload as float64, falling back to float32.
func DecodeFloats(raw []byte) ([]float64, error) {
	var f64 []float64
	if err := npyio.Read(bytes.NewReader(raw), &f64); err == nil {
		return f64, nil
	}
	var f32 []float32
	if err := npyio.Read(bytes.NewReader(raw), &f32); err != nil {
		return nil, err
	}
	out := make([]float64, len(f32))
	for i, v := range f32 {
		out[i] = float64(v)
	}
	return out, nil
}

// DecodeInts reads an npy payload as int64, falling back to int32.
func DecodeInts(raw []byte) ([]int64, error) {
	var i64 []int64
	if err := npyio.Read(bytes.NewReader(raw), &i64); err == nil {
		return i64, nil
	}
	var i32 []int32
	if err := npyio.Read(bytes.NewReader(raw), &i32); err != nil {
		return nil, err
	}
	out := make([]int64, len(i32))
	for i, v := range i32 {
		out[i] = int64(v)
	}
	return out, nil
}

func readNPY(path string) (raw []byte, shape []int, kind byte, err error) {
	raw, err = os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, 0, fmt.Errorf("%s: %w", path, errs.ErrNotFound)
	}
	if err != nil {
		return nil, nil, 0, err
	}
	r, err := npyio.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	if r.Header.Descr.Fortran {
		return nil, nil, 0, fmt.Errorf("%s: fortran-ordered arrays are not supported: %w", path, errs.ErrInvariant)
	}
	shape = r.Header.Descr.Shape
	if len(shape) != 2 {
		return nil, nil, 0, fmt.Errorf("%s: want 2-D array, got shape %v: %w", path, shape, errs.ErrInvariant)
	}
	t := strings.TrimLeft(r.Header.Descr.Type, "<>|=")
	if t == "" {
		return nil, nil, 0, fmt.Errorf("%s: empty dtype", path)
	}
	return raw, shape, t[0], nil
}
