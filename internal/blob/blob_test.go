package blob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"spare/internal/errs"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	info, err := s.Put(ctx, "0_test/galaxies/0/info.json", bytes.NewReader([]byte(`{"id":1}`)), PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 8 || info.ContentType != "application/json" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := s.Put(ctx, "0_test/galaxies/0/info.json", bytes.NewReader(nil), PutOptions{}); err == nil {
		t.Fatalf("expected duplicate put error")
	}
	if _, err := s.Put(ctx, "0_test/galaxies/1/info.json", bytes.NewReader([]byte("{}")), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "1_other/galaxies/0/info.json", bytes.NewReader([]byte("{}")), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	data, err := ReadAll(ctx, s, "0_test/galaxies/0/info.json")
	if err != nil || string(data) != `{"id":1}` {
		t.Fatalf("read back: %q %v", data, err)
	}
	if _, err := s.Head(ctx, "0_test/galaxies/0/info.json"); err != nil {
		t.Fatalf("head: %v", err)
	}
	if _, err := s.Head(ctx, "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found from head, got %v", err)
	}
	if _, err := ReadAll(ctx, s, "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found from get, got %v", err)
	}

	list, err := s.List(ctx, "0_test/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var keys []string
	for _, i := range list {
		keys = append(keys, i.Key)
	}
	want := []string{"0_test/galaxies/0/info.json", "0_test/galaxies/1/info.json"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}

	n, err := DeletePrefix(ctx, s, "0_test/")
	if err != nil || n != 2 {
		t.Fatalf("delete prefix: %d %v", n, err)
	}
	if ok, err := s.Delete(ctx, "0_test/galaxies/0/info.json"); err != nil || ok {
		t.Fatalf("expected delete of missing key to report false: %v %v", ok, err)
	}
	if list, _ := s.List(ctx, ""); len(list) != 1 {
		t.Fatalf("expected one remaining blob, got %d", len(list))
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFilesystemStore(t *testing.T) {
	root := t.TempDir()
	s, err := NewFilesystem(root)
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	exerciseStore(t, s)
	if _, err := os.Stat(filepath.Join(root, "1_other", "galaxies", "0", "info.json")); err != nil {
		t.Fatalf("expected blob laid out under root: %v", err)
	}
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	s, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	if _, err := s.Put(context.Background(), "../outside", bytes.NewReader(nil), PutOptions{}); err == nil {
		t.Fatalf("expected error for key escaping root")
	}
	if _, err := NewFilesystem(""); err == nil {
		t.Fatalf("expected error for empty root")
	}
}

func TestDriversShareKeyRules(t *testing.T) {
	ctx := context.Background()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	for _, s := range []Store{NewMemory(), fsStore} {
		for _, key := range []string{"", "  ", "../x", "run/../x", "v1..2/info.json", "/abs", `run\x`} {
			if _, err := s.Put(ctx, key, bytes.NewReader(nil), PutOptions{}); !errors.Is(err, errs.ErrPrecondition) {
				t.Fatalf("%s: expected precondition error for %q, got %v", s.Driver(), key, err)
			}
		}
		if _, err := s.Put(ctx, "0_a/./info.json", bytes.NewReader([]byte("{}")), PutOptions{}); err != nil {
			t.Fatalf("%s: put: %v", s.Driver(), err)
		}
		if _, err := s.Put(ctx, "0_a/info.json", bytes.NewReader(nil), PutOptions{}); !errors.Is(err, errs.ErrPrecondition) {
			t.Fatalf("%s: expected cleaned key to collide, got %v", s.Driver(), err)
		}
	}
}

func TestFilesystemListScopesToPrefix(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFilesystem(root)
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	for _, key := range []string{"0_a/galaxies/0/info.json", "0_a/galaxies/10/info.json", "1_b/galaxies/0/info.json"} {
		if _, err := s.Put(ctx, key, bytes.NewReader([]byte("{}")), PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	// an unreadable sidecar in another run must not break listing this one
	if err := os.WriteFile(filepath.Join(root, "1_b", "broken.meta"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	list, err := s.List(ctx, "0_a/galaxies/1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "0_a/galaxies/10/info.json" {
		t.Fatalf("unexpected listing %+v", list)
	}
	list, err = s.List(ctx, "7_missing/")
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty listing for missing run, got %+v %v", list, err)
	}
	if _, err := s.List(ctx, ""); err == nil {
		t.Fatalf("expected full listing to hit the broken sidecar")
	}
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, string(DriverMemory), "", S3Config{})
	if err != nil || s.Driver() != DriverMemory {
		t.Fatalf("expected memory store: %v", err)
	}
	s, err = Open(ctx, "", t.TempDir(), S3Config{})
	if err != nil || s.Driver() != DriverFilesystem {
		t.Fatalf("expected filesystem default: %v", err)
	}
	if _, err := Open(ctx, "tape", "", S3Config{}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(ctx, string(DriverS3), "", S3Config{}); err == nil {
		t.Fatalf("expected error for s3 without bucket")
	}
}
