package catalog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"spare/internal/errs"
)

// WriteCSV writes the table with a header row. The id column carries the row
// position and becomes the fitting engine's row id.
func (t *Table) WriteCSV(w io.Writer) error {
	if err := t.validate(); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := append(append([]string(nil), indexColumns...), t.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for i := 0; i < t.Len(); i++ {
		rec[0] = strconv.Itoa(i)
		rec[1] = strconv.Itoa(t.ObjectIndex[i])
		rec[2] = strconv.FormatInt(t.ObjectID[i], 10)
		rec[3] = strconv.FormatInt(t.PixelID[i], 10)
		for k, c := range t.Columns {
			rec[len(indexColumns)+k] = formatFloat(t.Photometry[c][i])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the table as CSV to path.
func (t *Table) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := t.WriteCSV(bw); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a pixel catalog CSV from path.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("pixel catalog %s: %w", path, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(bufio.NewReader(f))
}

// ReadCSV reads a table written by WriteCSV. Row ids must be 0..n-1 in file
// order; anything else means the file was reordered or filtered.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("pixel catalog header: %w", err)
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	for _, c := range indexColumns {
		if _, ok := pos[c]; !ok {
			return nil, fmt.Errorf("pixel catalog: missing column %s: %w", c, errs.ErrNotFound)
		}
	}

	t := &Table{Photometry: make(map[string][]float64)}
	var photIdx []int
	for i, h := range header {
		h = strings.TrimSpace(h)
		if isIndexColumn(h) {
			continue
		}
		t.Columns = append(t.Columns, h)
		photIdx = append(photIdx, i)
	}

	for row := 0; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("pixel catalog row %d: %w", row, err)
		}
		id, err := strconv.Atoi(rec[pos[ColID]])
		if err != nil {
			return nil, fmt.Errorf("pixel catalog row %d id: %w", row, err)
		}
		if id != row {
			return nil, fmt.Errorf("pixel catalog row %d has id %d: %w", row, id, errs.ErrInvariant)
		}
		idx, err := strconv.Atoi(rec[pos[ColObjectIndex]])
		if err != nil {
			return nil, fmt.Errorf("pixel catalog row %d object_index: %w", row, err)
		}
		oid, err := strconv.ParseInt(rec[pos[ColObjectID]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("pixel catalog row %d object_id: %w", row, err)
		}
		pid, err := strconv.ParseInt(rec[pos[ColPixelID]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("pixel catalog row %d pixel_id: %w", row, err)
		}
		t.ObjectIndex = append(t.ObjectIndex, idx)
		t.ObjectID = append(t.ObjectID, oid)
		t.PixelID = append(t.PixelID, pid)
		for k, c := range t.Columns {
			v, err := parseFloat(rec[photIdx[k]])
			if err != nil {
				return nil, fmt.Errorf("pixel catalog row %d column %s: %w", row, c, err)
			}
			t.Photometry[c] = append(t.Photometry[c], v)
		}
	}
	return t, nil
}

func isIndexColumn(name string) bool {
	for _, c := range indexColumns {
		if c == name {
			return true
		}
	}
	return false
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
