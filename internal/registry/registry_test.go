package registry

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"spare/internal/blob"
	"spare/internal/errs"
	"spare/internal/fit"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg, err := Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg, dir
}

func TestRunIDsAreNeverReused(t *testing.T) {
	reg, dir := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.AddRun(ctx, "test", 3)
	if err != nil || first.ID != 0 {
		t.Fatalf("expected run 0, got %d (%v)", first.ID, err)
	}
	second, err := reg.AddRun(ctx, "test2", 1)
	if err != nil || second.ID != 1 {
		t.Fatalf("expected run 1, got %d (%v)", second.ID, err)
	}
	if _, err := reg.DeleteRun(ctx, 0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	third, err := reg.AddRun(ctx, "test3", 2)
	if err != nil || third.ID != 2 {
		t.Fatalf("expected run 2, got %d (%v)", third.ID, err)
	}

	// deleting the highest id does not free it either
	if _, err := reg.DeleteRun(ctx, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	fourth, err := reg.AddRun(ctx, "test4", 2)
	if err != nil || fourth.ID != 3 {
		t.Fatalf("expected run 3, got %d (%v)", fourth.ID, err)
	}

	if _, err := os.Stat(filepath.Join(dir, "runs", "0_test")); !os.IsNotExist(err) {
		t.Fatalf("expected deleted run folder removed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "runs", "1_test2")); err != nil {
		t.Fatalf("expected run folder for run 1: %v", err)
	}
}

func TestCountersSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	reg, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := reg.AddRun(ctx, "a", 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	reg.Close()

	reg, err = Open(ctx, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reg.Close()
	run, err := reg.AddRun(ctx, "b", 1)
	if err != nil || run.ID != 1 {
		t.Fatalf("expected run 1 after reopen, got %d (%v)", run.ID, err)
	}
}

func TestConcurrentAddRunAllocatesDistinctIDs(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	const n = 8
	ids := make([]int, n)
	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := reg.AddRun(ctx, "parallel", 1+i)
			if err != nil {
				errCh <- err
				return
			}
			ids[i] = run.ID
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("add run: %v", err)
	}
	seen := map[int]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d in %v", id, ids)
		}
		seen[id] = true
	}
	runs, err := reg.Runs(ctx)
	if err != nil || len(runs) != n {
		t.Fatalf("expected %d runs, got %d (%v)", n, len(runs), err)
	}
}

func TestLookupsAndDescription(t *testing.T) {
	reg, dir := newTestRegistry(t)
	ctx := context.Background()

	run, err := reg.AddRun(ctx, "deep", 4)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	folder, err := reg.RunFolder(ctx, run.ID)
	if err != nil || folder != filepath.Join(dir, "runs", "0_deep") {
		t.Fatalf("unexpected folder %s (%v)", folder, err)
	}
	if _, err := reg.RunFolder(ctx, 42); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := reg.DeleteRun(ctx, 42); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found on delete, got %v", err)
	}
	if err := reg.AddRunDescription(ctx, run.ID, "JADES deep field"); err != nil {
		t.Fatalf("describe: %v", err)
	}
	text, err := reg.RunDescription(ctx, run.ID)
	if err != nil || text != "JADES deep field" {
		t.Fatalf("unexpected description %q (%v)", text, err)
	}
	if _, err := reg.AddRun(ctx, "../escape", 1); !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("expected precondition error for bad name, got %v", err)
	}
}

func TestRunNamesMustWorkAsObjectKeys(t *testing.T) {
	reg, dir := newTestRegistry(t)
	ctx := context.Background()
	for _, name := range []string{"", "  ", ".", "..", "v1..2", "a/b", `a\b`} {
		if _, err := reg.AddRun(ctx, name, 1); !errors.Is(err, errs.ErrPrecondition) {
			t.Fatalf("name %q: expected precondition error, got %v", name, err)
		}
	}

	run, err := reg.AddRun(ctx, "v1.2", 1)
	if err != nil {
		t.Fatalf("add run: %v", err)
	}
	if run.ID != 0 {
		t.Fatalf("rejected names must not consume ids, got %d", run.ID)
	}
	store, err := blob.NewFilesystem(filepath.Join(dir, "runs"))
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	key := path.Join(run.Key(), "galaxies", "0", "info.json")
	if _, err := store.Put(ctx, key, strings.NewReader("{}"), blob.PutOptions{}); err != nil {
		t.Fatalf("object key under accepted run name: %v", err)
	}
}

func TestAddRunRollsBackWhenFolderExists(t *testing.T) {
	reg, dir := newTestRegistry(t)
	ctx := context.Background()
	if err := os.Mkdir(filepath.Join(dir, "runs", "0_stale"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := reg.AddRun(ctx, "stale", 1); err == nil {
		t.Fatalf("expected error when run folder already exists")
	}
	runs, err := reg.Runs(ctx)
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected no registered runs, got %v (%v)", runs, err)
	}
	run, err := reg.AddRun(ctx, "fresh", 1)
	if err != nil || run.ID != 0 {
		t.Fatalf("expected rolled back id to be reissued, got %d (%v)", run.ID, err)
	}
}

func TestDeleteAllRunsNeedsConfirmation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := reg.AddRun(ctx, name, 1); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	deleted, err := reg.DeleteAllRuns(ctx, func() bool { return false })
	if err != nil || len(deleted) != 0 {
		t.Fatalf("expected nothing deleted without confirmation: %v %v", deleted, err)
	}
	deleted, err = reg.DeleteAllRuns(ctx, func() bool { return true })
	if err != nil || len(deleted) != 3 {
		t.Fatalf("expected three runs deleted: %v %v", deleted, err)
	}
	if runs, _ := reg.Runs(ctx); len(runs) != 0 {
		t.Fatalf("expected empty registry, got %v", runs)
	}
}

func TestPassesAndResults(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	run, err := reg.AddRun(ctx, "fit", 2)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	passID, err := reg.RecordPassStart(ctx, run.ID, "extract")
	if err != nil {
		t.Fatalf("pass start: %v", err)
	}
	if err := reg.RecordPassResult(ctx, passID, PassCompleted, map[string]any{"objects": 2}, ""); err != nil {
		t.Fatalf("pass result: %v", err)
	}
	if err := reg.RecordPassResult(ctx, passID+100, PassFailed, nil, "boom"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found for unknown pass, got %v", err)
	}
	passes, err := reg.Passes(ctx, run.ID)
	if err != nil || len(passes) != 1 {
		t.Fatalf("passes: %v %v", passes, err)
	}
	if passes[0].Status != PassCompleted || passes[0].CompletedAt == nil || passes[0].Meta["objects"] != float64(2) {
		t.Fatalf("unexpected pass %+v", passes[0])
	}

	z := 1.25
	want := []fit.ObjectResult{
		{ObjectIndex: 0, ObjectID: 55733, Pixels: 6, FittedPixels: 6, ZChi2: &z, SegmapPixels: 3, ZChi2Segmap: &z},
		{ObjectIndex: 1, ObjectID: 12, Pixels: 1, FittedPixels: 0, HasConfidence: true},
	}
	if err := reg.SaveResults(ctx, run.ID, want); err != nil {
		t.Fatalf("save results: %v", err)
	}
	if err := reg.SaveResults(ctx, run.ID, want); err != nil {
		t.Fatalf("save results twice: %v", err)
	}
	got, err := reg.Results(ctx, run.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}

	if _, err := reg.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := reg.Results(ctx, run.ID); len(got) != 0 {
		t.Fatalf("expected results removed with run, got %v", got)
	}
}
