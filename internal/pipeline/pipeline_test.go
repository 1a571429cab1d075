package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"spare/internal/blob"
	"spare/internal/config"
	"spare/internal/errs"
	"spare/internal/fit"
	"spare/internal/galaxy"
	"spare/internal/registry"
	"spare/internal/survey"
)

type fixture struct {
	pipe  *Pipeline
	reg   *registry.Registry
	blobs *blob.Memory
	cfg   *config.Config
	sv    *Survey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.LoadFile(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Filters = []string{"F1", "F2"}
	cfg.Output.Folder = filepath.Join(dir, "out")
	cfg.Processing.ParallelJobs = 2

	reg, err := registry.Open(context.Background(), cfg.Output.Folder)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	blobs := blob.NewMemory()
	p := New(cfg, reg, blobs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.SetRand(rand.New(rand.NewPCG(1, 2)))
	return &fixture{pipe: p, reg: reg, blobs: blobs, cfg: cfg, sv: testSurvey(t)}
}

// testSurvey is a 6x8 frame holding object 7 at y1-2 x1-3 and object 9 at
// y3-4 x4-6. The F1 error raster has a single 0 at (1, 1).
func testSurvey(t *testing.T) *Survey {
	t.Helper()
	const rows, cols = 6, 8
	cat, err := survey.NewSizeCatalog([]galaxy.CatalogEntry{
		{ID: 7, X: 2, Y: 1.5, XMin: 1, XMax: 3, YMin: 1, YMax: 2},
		{ID: 9, X: 5, Y: 3.5, XMin: 4, XMax: 6, YMin: 3, YMax: 4},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	frames := &galaxy.Frames{
		Filters: []string{"F1", "F2"},
		Values:  map[string]*mat.Dense{},
		Errors:  map[string]*mat.Dense{},
		Segmap:  galaxy.NewIntGrid(rows, cols),
	}
	for i, f := range frames.Filters {
		v := mat.NewDense(rows, cols, nil)
		e := mat.NewDense(rows, cols, nil)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				v.Set(y, x, float64(10*y+x+i))
				e.Set(y, x, 1)
			}
		}
		frames.Values[f], frames.Errors[f] = v, e
	}
	frames.Errors["F1"].Set(1, 1, 0)
	for y := 1; y <= 2; y++ {
		for x := 1; x <= 3; x++ {
			frames.Segmap.Set(y, x, 7)
		}
	}
	for y := 3; y <= 4; y++ {
		for x := 4; x <= 6; x++ {
			frames.Segmap.Set(y, x, 9)
		}
	}
	return &Survey{Catalog: cat, Frames: frames}
}

// testOutput fits every pixel of object 7 at z=1 and only the first pixel of
// object 9, at z=1.5. The unfitted pixels carry curves that would move the
// minimum if they were counted.
func testOutput() *fit.Output {
	out := &fit.Output{
		ZGrid: []float64{0.5, 1, 1.5},
		ZBest: make([]float64, 12),
		Chi2:  mat.NewDense(12, 3, nil),
	}
	for k := 0; k < 6; k++ {
		out.ZBest[k] = 1
		out.Chi2.SetRow(k, []float64{5, 1, 3})
	}
	out.ZBest[6] = 1.5
	out.Chi2.SetRow(6, []float64{4, 3, 0.5})
	for k := 7; k < 12; k++ {
		out.ZBest[k] = -1
		out.Chi2.SetRow(k, []float64{0, 100, 100})
	}
	return out
}

func writeOutput(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	if err := testOutput().WriteNPZ(&buf); err != nil {
		t.Fatalf("encode output: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
}

func TestPrepareAndExtract(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	res, err := fx.pipe.Prepare(ctx, PrepareRequest{
		Name:        "pair",
		IDs:         []int64{7, 9},
		Replace:     config.Replace{Enabled: true, Unused: 0, Replacement: -9999, Using: "errors"},
		Description: "two objects",
		Survey:      fx.sv,
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if res.Run.ID != 0 || res.Run.ObjectCount != 2 || res.Rows != 12 {
		t.Fatalf("unexpected prepare result %+v", res)
	}
	for _, name := range []string{CatalogFile, ConfigFile} {
		if _, err := os.Stat(filepath.Join(res.Run.Folder, name)); err != nil {
			t.Fatalf("expected %s in run folder: %v", name, err)
		}
	}
	if desc, err := fx.reg.RunDescription(ctx, res.Run.ID); err != nil || desc != "two objects" {
		t.Fatalf("description = %q (%v)", desc, err)
	}

	obj, err := galaxy.NewStore(fx.blobs).Load(ctx, ObjectPrefix(res.Run, 0))
	if err != nil {
		t.Fatalf("load object: %v", err)
	}
	if obj.ID != 7 || obj.Values["F1"].At(0, 0) != -9999 || obj.Errors["F1"].At(0, 0) != -9999 {
		t.Fatalf("expected replaced pixel in object 7, got id %d value %g", obj.ID, obj.Values["F1"].At(0, 0))
	}
	if obj.Values["F2"].At(0, 0) != 12 {
		t.Fatalf("other filter must be untouched, got %g", obj.Values["F2"].At(0, 0))
	}

	writeOutput(t, FitOutputPath(res.Run, fx.cfg.Fit.OutputFile))
	results, err := fx.pipe.Extract(ctx, NewExtractRequest(fx.cfg, res.Run.ID))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	first, second := results[0], results[1]
	if first.ObjectID != 7 || first.FittedPixels != 6 || first.ZChi2 == nil || *first.ZChi2 != 1 {
		t.Fatalf("unexpected result for object 7: %+v", first)
	}
	if first.ZChi2Segmap == nil || *first.ZChi2Segmap != 1 || first.SegmapPixels != 6 {
		t.Fatalf("unexpected segmap aggregate for object 7: %+v", first)
	}
	if second.ObjectID != 9 || second.FittedPixels != 1 || second.ZChi2 == nil || *second.ZChi2 != 1.5 {
		t.Fatalf("unfitted pixels must not count for object 9: %+v", second)
	}
	if second.HasConfidence {
		t.Fatalf("confidence not requested")
	}

	f, err := os.Open(filepath.Join(res.Run.Folder, ResultsFile))
	if err != nil {
		t.Fatalf("open results: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	if len(records) != 3 || records[1][1] != "7" || records[2][4] != "1.5" || records[2][7] != "" {
		t.Fatalf("unexpected results.csv %v", records)
	}

	stored, err := fx.reg.Results(ctx, res.Run.ID)
	if err != nil || len(stored) != 2 {
		t.Fatalf("stored results = %d (%v)", len(stored), err)
	}

	req := NewExtractRequest(fx.cfg, res.Run.ID)
	req.Confidence = true
	results, err = fx.pipe.Extract(ctx, req)
	if err != nil {
		t.Fatalf("extract with confidence: %v", err)
	}
	if !results[0].HasConfidence || results[1].Confident > 1 {
		t.Fatalf("unexpected confidence results %+v", results)
	}

	passes, err := fx.reg.Passes(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("passes: %v", err)
	}
	if len(passes) != 3 {
		t.Fatalf("expected 3 passes, got %d", len(passes))
	}
	for _, ps := range passes {
		if ps.Status != registry.PassCompleted {
			t.Fatalf("pass %d (%s) status %s: %s", ps.ID, ps.Stage, ps.Status, ps.Error)
		}
	}
}

func TestPrepareUnknownObjectCreatesNoRun(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.pipe.Prepare(ctx, PrepareRequest{Name: "bad", IDs: []int64{7, 404}, Survey: fx.sv})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	runs, err := fx.reg.Runs(ctx)
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected no runs, got %d (%v)", len(runs), err)
	}
}

func TestPrepareRandomSelection(t *testing.T) {
	fx := newFixture(t)
	res, err := fx.pipe.Prepare(context.Background(), PrepareRequest{Name: "rand", Random: 2, Survey: fx.sv})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(res.ObjectIDs) != 2 || res.ObjectIDs[0] == res.ObjectIDs[1] {
		t.Fatalf("expected two distinct random ids, got %v", res.ObjectIDs)
	}
	if _, err := fx.pipe.Prepare(context.Background(), PrepareRequest{Name: "none", Survey: fx.sv}); !errors.Is(err, errs.ErrPrecondition) {
		t.Fatalf("expected precondition error for empty selection, got %v", err)
	}
}

func TestExtractMissingOutputFailsPass(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	res, err := fx.pipe.Prepare(ctx, PrepareRequest{Name: "nofit", IDs: []int64{9}, Survey: fx.sv})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := fx.pipe.Extract(ctx, NewExtractRequest(fx.cfg, res.Run.ID)); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	passes, err := fx.reg.Passes(ctx, res.Run.ID)
	if err != nil || len(passes) != 2 || passes[1].Status != registry.PassFailed {
		t.Fatalf("expected failed extract pass, got %+v (%v)", passes, err)
	}
	if _, err := fx.pipe.Extract(ctx, NewExtractRequest(fx.cfg, 99)); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found for unknown run, got %v", err)
	}
}

func TestExtractWaitsForOutput(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := fx.pipe.Prepare(ctx, PrepareRequest{Name: "wait", IDs: []int64{7, 9}, Survey: fx.sv})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	outPath := FitOutputPath(res.Run, fx.cfg.Fit.OutputFile)

	// write to a temporary name and rename so the reader never sees a partial file
	go func() {
		time.Sleep(100 * time.Millisecond)
		var buf bytes.Buffer
		if err := testOutput().WriteNPZ(&buf); err != nil {
			return
		}
		tmp := filepath.Join(res.Run.Folder, "fit.tmp")
		if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
			return
		}
		_ = os.Rename(tmp, outPath)
	}()

	req := NewExtractRequest(fx.cfg, res.Run.ID)
	req.Wait = true
	results, err := fx.pipe.Extract(ctx, req)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestDeleteRunRemovesBundles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	res, err := fx.pipe.Prepare(ctx, PrepareRequest{Name: "gone", IDs: []int64{7}, Survey: fx.sv})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	infos, err := fx.blobs.List(ctx, res.Run.Key()+"/")
	if err != nil || len(infos) == 0 {
		t.Fatalf("expected stored bundles, got %d (%v)", len(infos), err)
	}
	if _, err := fx.pipe.DeleteRun(ctx, res.Run.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	infos, err = fx.blobs.List(ctx, res.Run.Key()+"/")
	if err != nil || len(infos) != 0 {
		t.Fatalf("expected bundles removed, got %d (%v)", len(infos), err)
	}
	if _, err := os.Stat(res.Run.Folder); !os.IsNotExist(err) {
		t.Fatalf("expected run folder removed, got %v", err)
	}
	if _, err := fx.pipe.DeleteRun(ctx, res.Run.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestDeleteAllRunsNeedsConfirmation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if _, err := fx.pipe.Prepare(ctx, PrepareRequest{Name: name, IDs: []int64{7}, Survey: fx.sv}); err != nil {
			t.Fatalf("prepare %s: %v", name, err)
		}
	}
	deleted, err := fx.pipe.DeleteAllRuns(ctx, func() bool { return false })
	if err != nil || len(deleted) != 0 {
		t.Fatalf("declined delete-all removed %d runs (%v)", len(deleted), err)
	}
	deleted, err = fx.pipe.DeleteAllRuns(ctx, func() bool { return true })
	if err != nil || len(deleted) != 2 {
		t.Fatalf("expected 2 deleted runs, got %d (%v)", len(deleted), err)
	}
	infos, err := fx.blobs.List(ctx, "")
	if err != nil || len(infos) != 0 {
		t.Fatalf("expected empty blob store, got %d (%v)", len(infos), err)
	}
}
