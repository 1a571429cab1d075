package survey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"spare/internal/errs"
	"spare/internal/galaxy"
)

// writeNPY writes a version 1.0 .npy file with a little-endian payload.
func writeNPY(t *testing.T, path, descr string, rows, cols int, payload any) {
	t.Helper()
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%d, %d), }", descr, rows, cols)
	for (10+len(header)+1)%64 != 0 {
		header += " "
	}
	header += "\n"
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("\x93NUMPY\x01\x00")); err != nil {
		t.Fatalf("write magic: %v", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint16(len(header))); err != nil {
		t.Fatalf("write header len: %v", err)
	}
	if _, err := f.Write([]byte(header)); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := binary.Write(f, binary.LittleEndian, payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func TestReadSizeCatalog(t *testing.T) {
	src := `ID,X,Y,BBOX_XMIN,BBOX_XMAX,BBOX_YMIN,BBOX_YMAX,FLAG
55733,120.5,88.25,110,131,80,97,0
12,4,5,1.0,8.0,2.0,9.0,1
`
	cat, err := ReadSizeCatalog(strings.NewReader(src))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := cat.Lookup(55733)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	want := galaxy.CatalogEntry{ID: 55733, X: 120.5, Y: 88.25, XMin: 110, XMax: 131, YMin: 80, YMax: 97}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{12, 55733}, cat.IDs()); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	if _, err := cat.Lookup(7); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReadSizeCatalogRejectsBadInput(t *testing.T) {
	if _, err := ReadSizeCatalog(strings.NewReader("ID,X,Y\n1,2,3\n")); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected missing column error, got %v", err)
	}
	dup := "ID,X,Y,BBOX_XMIN,BBOX_XMAX,BBOX_YMIN,BBOX_YMAX\n1,0,0,0,1,0,1\n1,0,0,0,1,0,1\n"
	if _, err := ReadSizeCatalog(strings.NewReader(dup)); !errors.Is(err, errs.ErrInvariant) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
	if _, err := ReadSizeCatalogFile(filepath.Join(t.TempDir(), "none.csv")); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found for missing file, got %v", err)
	}
}

func TestRandomIDs(t *testing.T) {
	cat, err := NewSizeCatalog([]galaxy.CatalogEntry{{ID: 3}, {ID: 1}, {ID: 2}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rng := rand.New(rand.NewPCG(1, 2))
	ids, err := cat.RandomIDs(rng, 3)
	if err != nil {
		t.Fatalf("random ids: %v", err)
	}
	seen := map[int64]bool{}
	for _, id := range ids {
		if _, err := cat.Lookup(id); err != nil || seen[id] {
			t.Fatalf("unexpected id %d in %v", id, ids)
		}
		seen[id] = true
	}
	if _, err := cat.RandomIDs(rng, 4); !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	empty, _ := NewSizeCatalog(nil)
	if _, err := empty.RandomID(rng); !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("expected precondition error on empty catalog, got %v", err)
	}
}

func TestLoadFrames(t *testing.T) {
	dir := t.TempDir()
	seg := []int64{0, 0, 7, 7, 0, 7}
	writeNPY(t, filepath.Join(dir, "segmap.npy"), "<i8", 2, 3, seg)
	writeNPY(t, filepath.Join(dir, "F1_sci.npy"), "<f8", 2, 3, []float64{1, 2, 3, 4, 5, 6})
	writeNPY(t, filepath.Join(dir, "F1_err.npy"), "<f4", 2, 3, []float32{0.5, 0.5, 0.25, 0.25, 1, 1})

	frames, err := LoadFrames(FramePaths{
		Filters: []string{"F1"},
		Values:  map[string]string{"F1": filepath.Join(dir, "F1_sci.npy")},
		Errors:  map[string]string{"F1": filepath.Join(dir, "F1_err.npy")},
		Segmap:  filepath.Join(dir, "segmap.npy"),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(seg, frames.Segmap.Flat()); diff != "" {
		t.Fatalf("segmap mismatch (-want +got):\n%s", diff)
	}
	if got := frames.Values["F1"].At(1, 2); got != 6 {
		t.Fatalf("expected value 6 at (1,2), got %g", got)
	}
	if got := frames.Errors["F1"].At(0, 2); math.Abs(got-0.25) > 1e-9 {
		t.Fatalf("expected float32 error 0.25 at (0,2), got %g", got)
	}
}

func TestLoadFramesShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	writeNPY(t, filepath.Join(dir, "segmap.npy"), "<i8", 2, 2, []int64{0, 1, 1, 0})
	writeNPY(t, filepath.Join(dir, "v.npy"), "<f8", 1, 4, []float64{1, 2, 3, 4})
	writeNPY(t, filepath.Join(dir, "e.npy"), "<f8", 2, 2, []float64{1, 2, 3, 4})

	_, err := LoadFrames(FramePaths{
		Filters: []string{"F1"},
		Values:  map[string]string{"F1": filepath.Join(dir, "v.npy")},
		Errors:  map[string]string{"F1": filepath.Join(dir, "e.npy")},
		Segmap:  filepath.Join(dir, "segmap.npy"),
	})
	if !errors.Is(err, errs.ErrInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}

	_, err = LoadFrames(FramePaths{Filters: []string{"F1"}, Segmap: filepath.Join(dir, "missing.npy")})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
