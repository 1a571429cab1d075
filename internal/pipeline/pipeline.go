// Package pipeline runs the two stages around the external fitting engine:
// Prepare selects and flattens objects into a pixel catalog, Extract folds the
// engine's per-pixel output back into per-object redshifts.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"time"

	"spare/internal/blob"
	"spare/internal/config"
	"spare/internal/galaxy"
	"spare/internal/logging"
	"spare/internal/registry"
	"spare/internal/survey"
)

// Stage names recorded as run passes.
const (
	StagePrepare = "prepare"
	StageExtract = "extract"
)

// Files written inside a run folder.
const (
	CatalogFile     = "EAZY_input.csv"
	ConfigFile      = "config.json"
	ResultsFile     = "results.csv"
	FitOutputFolder = "eazy"
)

// Survey is the full-frame input a selection is cut from.
type Survey struct {
	Catalog *survey.SizeCatalog
	Frames  *galaxy.Frames
}

// LoadSurvey reads the size catalog and every configured raster.
func LoadSurvey(cfg *config.Config) (*Survey, error) {
	cat, err := survey.ReadSizeCatalogFile(cfg.SizeCatalogPath())
	if err != nil {
		return nil, fmt.Errorf("size catalog: %w", err)
	}
	paths := survey.FramePaths{
		Filters: cfg.Filters,
		Values:  make(map[string]string, len(cfg.Filters)),
		Errors:  make(map[string]string, len(cfg.Filters)),
		Segmap:  cfg.SegmapPath(),
	}
	for _, f := range cfg.Filters {
		paths.Values[f], paths.Errors[f] = cfg.ImagePaths(f)
	}
	frames, err := survey.LoadFrames(paths)
	if err != nil {
		return nil, err
	}
	return &Survey{Catalog: cat, Frames: frames}, nil
}

// Pipeline ties the registry, the object store and the configuration together.
type Pipeline struct {
	cfg     *config.Config
	reg     *registry.Registry
	blobs   blob.Store
	objects *galaxy.Store
	log     *slog.Logger
	rng     *rand.Rand
}

// New creates a Pipeline. blobs holds object bundles keyed relative to the
// registry's runs folder.
func New(cfg *config.Config, reg *registry.Registry, blobs blob.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	now := uint64(time.Now().UnixNano())
	return &Pipeline{
		cfg:     cfg,
		reg:     reg,
		blobs:   blobs,
		objects: galaxy.NewStore(blobs),
		log:     logger,
		rng:     rand.New(rand.NewPCG(now, now>>32)),
	}
}

// OpenBlobs opens the configured blob store. The filesystem driver is rooted
// at the registry's runs folder so bundles land inside each run folder.
func OpenBlobs(ctx context.Context, cfg *config.Config, reg *registry.Registry) (blob.Store, error) {
	return blob.Open(ctx, cfg.Blob.Driver, reg.RunsDir(), blob.S3Config{
		Region:    cfg.Blob.Region,
		Bucket:    cfg.Blob.Bucket,
		Endpoint:  cfg.Blob.Endpoint,
		PathStyle: cfg.Blob.PathStyle,
		Prefix:    cfg.Blob.Prefix,
	})
}

// SetRand replaces the source used for random selections.
func (p *Pipeline) SetRand(rng *rand.Rand) { p.rng = rng }

// ObjectPrefix is the blob prefix of the object at idx in run.
func ObjectPrefix(run registry.Run, idx int) string {
	return galaxy.SelectionPrefix(run.Key(), idx)
}

// DeleteRun removes a run from the registry and its object bundles from the
// blob store. Filesystem bundles live in the run folder and go with it.
func (p *Pipeline) DeleteRun(ctx context.Context, id int) (registry.Run, error) {
	run, err := p.reg.DeleteRun(ctx, id)
	if err != nil {
		return run, err
	}
	if p.blobs != nil && p.blobs.Driver() != blob.DriverFilesystem {
		n, err := blob.DeletePrefix(ctx, p.blobs, run.Key()+"/")
		if err != nil {
			return run, fmt.Errorf("delete bundles of run %d: %w", id, err)
		}
		p.log.Debug("deleted object bundles", "run_id", id, "count", n)
	}
	return run, nil
}

// DeleteAllRuns deletes every run once confirm returns true, bundles included.
func (p *Pipeline) DeleteAllRuns(ctx context.Context, confirm func() bool) ([]registry.Run, error) {
	deleted, err := p.reg.DeleteAllRuns(ctx, confirm)
	if p.blobs != nil && p.blobs.Driver() != blob.DriverFilesystem {
		for _, run := range deleted {
			if _, derr := blob.DeletePrefix(ctx, p.blobs, run.Key()+"/"); derr != nil {
				return deleted, fmt.Errorf("delete bundles of run %d: %w", run.ID, derr)
			}
		}
	}
	return deleted, err
}

// stage wraps fn with pass bookkeeping and stage logging.
func (p *Pipeline) stage(ctx context.Context, stage string, runID int, opts map[string]any, fn func() (map[string]any, error)) error {
	start := time.Now()
	logging.LogStageStart(p.log, stage, runID, opts)

	passID, err := p.reg.RecordPassStart(ctx, runID, stage)
	if err != nil {
		return err
	}
	meta, runErr := fn()
	duration := time.Since(start)
	status := registry.PassCompleted
	if runErr != nil {
		status = registry.PassFailed
		logging.LogStageError(p.log, stage, runID, duration, runErr, opts)
	} else {
		logging.LogStageComplete(p.log, stage, runID, duration, meta)
	}
	if err := p.reg.RecordPassResult(ctx, passID, status, meta, errString(runErr)); err != nil {
		p.log.Warn("failed to record pass result", "run_id", runID, "stage", stage, "error", err)
	}
	return runErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func runFile(run registry.Run, elem ...string) string {
	return filepath.Join(append([]string{run.Folder}, elem...)...)
}

func logProgress(log *slog.Logger, step string, details map[string]any) {
	logging.LogProcessingStep(log, "pipeline", step, "completed", details)
}
