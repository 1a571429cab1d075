// Package survey reads the survey inputs: the size catalog and the
// full-frame value, error and segmentation rasters.
package survey

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"

	"spare/internal/errs"
	"spare/internal/galaxy"
)

var sizeColumns = []string{"ID", "X", "Y", "BBOX_XMIN", "BBOX_XMAX", "BBOX_YMIN", "BBOX_YMAX"}

// SizeCatalog is the object geometry table keyed by catalog id.
type SizeCatalog struct {
	entries map[int64]galaxy.CatalogEntry
	ids     []int64
}

// NewSizeCatalog indexes entries by id. Duplicate ids are an invariant violation.
func NewSizeCatalog(entries []galaxy.CatalogEntry) (*SizeCatalog, error) {
	c := &SizeCatalog{entries: make(map[int64]galaxy.CatalogEntry, len(entries))}
	for _, e := range entries {
		if _, dup := c.entries[e.ID]; dup {
			return nil, fmt.Errorf("size catalog: duplicate id %d: %w", e.ID, errs.ErrInvariant)
		}
		if e.XMin > e.XMax || e.YMin > e.YMax {
			return nil, fmt.Errorf("size catalog: id %d has inverted bounding box: %w", e.ID, errs.ErrInvariant)
		}
		c.entries[e.ID] = e
		c.ids = append(c.ids, e.ID)
	}
	slices.Sort(c.ids)
	return c, nil
}

// ReadSizeCatalogFile reads a size catalog CSV from path.
func ReadSizeCatalogFile(path string) (*SizeCatalog, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("size catalog %s: %w", path, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSizeCatalog(f)
}

// ReadSizeCatalog parses a CSV with a header row naming at least the columns
// ID, X, Y, BBOX_XMIN, BBOX_XMAX, BBOX_YMIN and BBOX_YMAX, in any order.
func ReadSizeCatalog(r io.Reader) (*SizeCatalog, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("size catalog header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToUpper(strings.TrimSpace(h))] = i
	}
	for _, name := range sizeColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("size catalog: missing column %s: %w", name, errs.ErrNotFound)
		}
	}

	var entries []galaxy.CatalogEntry
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("size catalog line %d: %w", line, err)
		}
		var vals [7]float64
		for i, name := range sizeColumns {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[col[name]]), 64)
			if err != nil {
				return nil, fmt.Errorf("size catalog line %d column %s: %w", line, name, err)
			}
			vals[i] = v
		}
		entries = append(entries, galaxy.CatalogEntry{
			ID:   int64(vals[0]),
			X:    vals[1],
			Y:    vals[2],
			XMin: int(math.Round(vals[3])),
			XMax: int(math.Round(vals[4])),
			YMin: int(math.Round(vals[5])),
			YMax: int(math.Round(vals[6])),
		})
	}
	return NewSizeCatalog(entries)
}

// Lookup returns the geometry of id, wrapping errs.ErrNotFound if absent.
func (c *SizeCatalog) Lookup(id int64) (galaxy.CatalogEntry, error) {
	e, ok := c.entries[id]
	if !ok {
		return galaxy.CatalogEntry{}, fmt.Errorf("catalog id %d: %w", id, errs.ErrNotFound)
	}
	return e, nil
}

// IDs returns every catalog id in ascending order.
func (c *SizeCatalog) IDs() []int64 { return slices.Clone(c.ids) }

func (c *SizeCatalog) Len() int { return len(c.ids) }

// RandomID picks a catalog id uniformly.
func (c *SizeCatalog) RandomID(rng *rand.Rand) (int64, error) {
	if len(c.ids) == 0 {
		return 0, fmt.Errorf("empty size catalog: %w", errs.ErrPrecondition)
	}
	return c.ids[rng.IntN(len(c.ids))], nil
}

// RandomIDs picks n distinct catalog ids.
func (c *SizeCatalog) RandomIDs(rng *rand.Rand, n int) ([]int64, error) {
	if n > len(c.ids) {
		return nil, fmt.Errorf("asked for %d random ids from %d entries: %w", n, len(c.ids), errs.ErrPrecondition)
	}
	out := make([]int64, 0, n)
	for _, k := range rng.Perm(len(c.ids))[:n] {
		out = append(out, c.ids[k])
	}
	return out, nil
}
