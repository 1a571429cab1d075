package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"spare/internal/catalog"
	"spare/internal/config"
	"spare/internal/errs"
	"spare/internal/galaxy"
	"spare/internal/registry"
)

// PrepareRequest selects the objects of a new run.
type PrepareRequest struct {
	Name string
	// IDs are catalog ids, kept in the given order. Random adds that many
	// randomly drawn ids after them.
	IDs    []int64
	Random int
	Border int
	// Replace is applied to every object before it is saved when Enabled.
	Replace     config.Replace
	Description string
	// Survey is loaded from the configured paths when nil.
	Survey *Survey
}

// PrepareResult describes a prepared run.
type PrepareResult struct {
	Run       registry.Run
	ObjectIDs []int64
	Rows      int
	Catalog   string
}

// Prepare cuts the requested objects out of the survey, registers a run for
// them, saves every object bundle, and writes the pixel catalog handed to the
// fitting engine. Extraction failures abort before a run is created.
func (p *Pipeline) Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error) {
	sv := req.Survey
	if sv == nil {
		var err error
		if sv, err = LoadSurvey(p.cfg); err != nil {
			return PrepareResult{}, err
		}
	}

	ids := append([]int64(nil), req.IDs...)
	if req.Random > 0 {
		drawn, err := sv.Catalog.RandomIDs(p.rng, req.Random)
		if err != nil {
			return PrepareResult{}, err
		}
		ids = append(ids, drawn...)
	}
	if len(ids) == 0 {
		return PrepareResult{}, fmt.Errorf("no objects selected: %w", errs.ErrPrecondition)
	}

	objs, err := p.extractAll(ctx, sv, ids, req)
	if err != nil {
		return PrepareResult{}, err
	}
	table, err := catalog.Build(objs, p.cfg.Fit.ErrorMarker)
	if err != nil {
		return PrepareResult{}, err
	}

	run, err := p.reg.AddRun(ctx, req.Name, len(objs))
	if err != nil {
		return PrepareResult{}, err
	}
	res := PrepareResult{Run: run, ObjectIDs: ids, Rows: table.Len(), Catalog: runFile(run, CatalogFile)}

	opts := map[string]any{
		"name":    req.Name,
		"objects": len(objs),
		"border":  req.Border,
		"replace": req.Replace.Enabled,
	}
	err = p.stage(ctx, StagePrepare, run.ID, opts, func() (map[string]any, error) {
		if err := p.objects.SaveSelection(ctx, objs, run.Key()); err != nil {
			return nil, err
		}
		logProgress(p.log, "save_selection", map[string]any{"run": run.Key(), "objects": len(objs)})

		if err := table.WriteFile(res.Catalog); err != nil {
			return nil, fmt.Errorf("write pixel catalog: %w", err)
		}
		logProgress(p.log, "write_catalog", map[string]any{"path": res.Catalog, "rows": table.Len()})

		if err := p.cfg.WriteFile(runFile(run, ConfigFile)); err != nil {
			return nil, fmt.Errorf("copy config: %w", err)
		}
		if req.Description != "" {
			if err := p.reg.AddRunDescription(ctx, run.ID, req.Description); err != nil {
				return nil, err
			}
		}
		return map[string]any{"rows": table.Len(), "catalog": res.Catalog}, nil
	})
	return res, err
}

// extractAll cuts out every id concurrently; objs[i] belongs to ids[i].
func (p *Pipeline) extractAll(ctx context.Context, sv *Survey, ids []int64, req PrepareRequest) ([]*galaxy.Object, error) {
	objs := make([]*galaxy.Object, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Processing.ParallelJobs, 1))
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			obj, err := galaxy.Extract(id, sv.Catalog, sv.Frames, req.Border)
			if err != nil {
				return err
			}
			if req.Replace.Enabled {
				if err := obj.ReplaceUnused(req.Replace.Unused, req.Replace.Replacement, galaxy.Using(req.Replace.Using), p.log); err != nil {
					return err
				}
			}
			objs[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return objs, nil
}
