package galaxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/sbinet/npyio"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"

	"spare/internal/blob"
	"spare/internal/errs"
)

const (
	infoFile   = "info.json"
	valuesFile = "values.npz"
	errorsFile = "errors.npz"
	segmapFile = "segmap.npy"

	contentNPZ = "application/x-npz"
	contentNPY = "application/x-npy"
)

// Info is the persisted metadata record of an object. Pixel ids are not
// stored; they are regenerated from Shape on load.
type Info struct {
	ID       int64      `json:"id"`
	Centroid [2]float64 `json:"centroid"`
	XMin     int        `json:"xmin"`
	XMax     int        `json:"xmax"`
	YMin     int        `json:"ymin"`
	YMax     int        `json:"ymax"`
	Shape    [2]int     `json:"shape"`
	Filters  []string   `json:"filters"`
}

// Info returns the metadata record for o.
func (o *Object) Info() Info {
	s := o.Shape()
	return Info{
		ID:       o.ID,
		Centroid: [2]float64{o.Centroid.Y, o.Centroid.X},
		XMin:     o.BBox.XMin,
		XMax:     o.BBox.XMax,
		YMin:     o.BBox.YMin,
		YMax:     o.BBox.YMax,
		Shape:    [2]int{s.Rows, s.Cols},
		Filters:  append([]string(nil), o.Filters...),
	}
}

// Store persists objects as an info record plus array bundles under a key prefix.
// Arrays are stored flat in row-major order; the info record carries the shape.
type Store struct {
	blobs blob.Store
}

func NewStore(b blob.Store) *Store { return &Store{blobs: b} }

// SelectionPrefix is the key prefix of the object at position idx within a run.
func SelectionPrefix(runPrefix string, idx int) string {
	return path.Join(runPrefix, "galaxies", strconv.Itoa(idx))
}

// Save writes info.json, values.npz, errors.npz and segmap.npy under prefix.
func (s *Store) Save(ctx context.Context, o *Object, prefix string) error {
	if err := o.Validate(); err != nil {
		return err
	}
	info, err := json.Marshal(o.Info())
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	if err := s.put(ctx, path.Join(prefix, infoFile), info, "application/json"); err != nil {
		return err
	}

	for name, set := range map[string]map[string]*mat.Dense{valuesFile: o.Values, errorsFile: o.Errors} {
		var buf bytes.Buffer
		w := npz.NewWriter(&buf)
		for _, f := range o.Filters {
			if err := w.Write(f, Flatten(set[f])); err != nil {
				return fmt.Errorf("encode %s/%s: %w", name, f, err)
			}
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		if err := s.put(ctx, path.Join(prefix, name), buf.Bytes(), contentNPZ); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if err := npyio.Write(&buf, o.Segmap.Flat()); err != nil {
		return fmt.Errorf("encode segmap: %w", err)
	}
	return s.put(ctx, path.Join(prefix, segmapFile), buf.Bytes(), contentNPY)
}

// SaveSelection saves objs under runPrefix/galaxies/{idx}, idx being the
// position in objs.
func (s *Store) SaveSelection(ctx context.Context, objs []*Object, runPrefix string) error {
	for i, o := range objs {
		if err := s.Save(ctx, o, SelectionPrefix(runPrefix, i)); err != nil {
			return fmt.Errorf("save object %d (index %d): %w", o.ID, i, err)
		}
	}
	return nil
}

// Load reads an object written by Save. Missing artifacts wrap errs.ErrNotFound.
func (s *Store) Load(ctx context.Context, prefix string) (*Object, error) {
	raw, err := blob.ReadAll(ctx, s.blobs, path.Join(prefix, infoFile))
	if err != nil {
		return nil, fmt.Errorf("load info: %w", err)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode info: %w", err)
	}
	rows, cols := info.Shape[0], info.Shape[1]

	values, err := s.loadBundle(ctx, path.Join(prefix, valuesFile), info.Filters, rows, cols)
	if err != nil {
		return nil, err
	}
	errRasters, err := s.loadBundle(ctx, path.Join(prefix, errorsFile), info.Filters, rows, cols)
	if err != nil {
		return nil, err
	}

	raw, err = blob.ReadAll(ctx, s.blobs, path.Join(prefix, segmapFile))
	if err != nil {
		return nil, fmt.Errorf("load segmap: %w", err)
	}
	var labels []int64
	if err := npyio.Read(bytes.NewReader(raw), &labels); err != nil {
		return nil, fmt.Errorf("decode segmap: %w", err)
	}
	segmap, err := IntGridFrom(rows, cols, labels)
	if err != nil {
		return nil, fmt.Errorf("segmap: %v: %w", err, errs.ErrInvariant)
	}

	return New(info.ID,
		Centroid{Y: info.Centroid[0], X: info.Centroid[1]},
		BBox{YMin: info.YMin, YMax: info.YMax, XMin: info.XMin, XMax: info.XMax},
		info.Filters, values, errRasters, segmap)
}

func (s *Store) loadBundle(ctx context.Context, key string, filters []string, rows, cols int) (map[string]*mat.Dense, error) {
	raw, err := blob.ReadAll(ctx, s.blobs, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path.Base(key), err)
	}
	r, err := npz.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path.Base(key), err)
	}
	out := make(map[string]*mat.Dense, len(filters))
	for _, f := range filters {
		name, ok := BundleKey(r.Keys(), f)
		if !ok {
			return nil, fmt.Errorf("%s has no array %s: %w", path.Base(key), f, errs.ErrNotFound)
		}
		var data []float64
		if err := r.Read(name, &data); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", path.Base(key), f, err)
		}
		if len(data) != rows*cols {
			return nil, fmt.Errorf("%s/%s has %d values, want %d: %w", path.Base(key), f, len(data), rows*cols, errs.ErrInvariant)
		}
		out[f] = mat.NewDense(rows, cols, data)
	}
	return out, nil
}

func (s *Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	if _, err := s.blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("save %s: %w", path.Base(key), err)
	}
	return nil
}

// BundleKey finds name among the keys of an npz bundle, which may or may not
// carry the .npy suffix depending on the writer.
func BundleKey(keys []string, name string) (string, bool) {
	for _, k := range keys {
		if k == name || strings.TrimSuffix(k, ".npy") == name {
			return k, true
		}
	}
	return "", false
}
