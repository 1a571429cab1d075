package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"spare/internal/catalog"
	"spare/internal/config"
	"spare/internal/fit"
	"spare/internal/registry"
	"spare/internal/watch"
)

// ExtractRequest controls how a run's fit output is folded back into objects.
type ExtractRequest struct {
	RunID       int
	Confidence  bool
	NoFitValue  float64
	Percentiles [2]float64
	Interval    float64
	// Wait blocks until the fit output appears.
	Wait bool
	// OutputFile is the bundle name inside the run's eazy folder.
	OutputFile string
}

// NewExtractRequest fills an ExtractRequest from the fit configuration.
func NewExtractRequest(cfg *config.Config, runID int) ExtractRequest {
	return ExtractRequest{
		RunID:       runID,
		NoFitValue:  cfg.Fit.NoFitValue,
		Percentiles: cfg.Fit.Percentiles,
		Interval:    cfg.Fit.ConfidenceInterval,
		OutputFile:  cfg.Fit.OutputFile,
	}
}

// FitOutputPath is where the fitting engine leaves its output for run.
func FitOutputPath(run registry.Run, file string) string {
	return runFile(run, FitOutputFolder, file)
}

// Extract reads the run's pixel catalog and fit output, reloads every object,
// slices its rows out of the output and aggregates them. Results are written
// to results.csv and stored in the registry.
func (p *Pipeline) Extract(ctx context.Context, req ExtractRequest) ([]fit.ObjectResult, error) {
	run, err := p.reg.Run(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if req.OutputFile == "" {
		req.OutputFile = p.cfg.Fit.OutputFile
	}

	var results []fit.ObjectResult
	opts := map[string]any{
		"confidence":   req.Confidence,
		"no_fit_value": req.NoFitValue,
		"output_file":  req.OutputFile,
	}
	err = p.stage(ctx, StageExtract, run.ID, opts, func() (map[string]any, error) {
		table, err := catalog.ReadFile(runFile(run, CatalogFile))
		if err != nil {
			return nil, fmt.Errorf("read pixel catalog: %w", err)
		}
		outPath := FitOutputPath(run, req.OutputFile)
		if req.Wait {
			if err := watch.WaitForFile(ctx, outPath, p.log); err != nil {
				return nil, err
			}
		}
		out, err := fit.ReadOutputFile(outPath)
		if err != nil {
			return nil, err
		}
		logProgress(p.log, "read_fit_output", map[string]any{"path": outPath, "rows": out.Rows(), "zgrid": len(out.ZGrid)})

		if results, err = p.extractObjects(ctx, run, table, out, req); err != nil {
			return nil, err
		}
		if err := WriteResultsFile(runFile(run, ResultsFile), results); err != nil {
			return nil, fmt.Errorf("write results: %w", err)
		}
		if err := p.reg.SaveResults(ctx, run.ID, results); err != nil {
			return nil, err
		}
		return map[string]any{"objects": len(results), "results": runFile(run, ResultsFile)}, nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pipeline) extractObjects(ctx context.Context, run registry.Run, table *catalog.Table, out *fit.Output, req ExtractRequest) ([]fit.ObjectResult, error) {
	indices := table.ObjectIndices()
	results := make([]fit.ObjectResult, len(indices))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Processing.ParallelJobs, 1))
	for i, idx := range indices {
		g.Go(func() error {
			obj, err := p.objects.Load(ctx, ObjectPrefix(run, idx))
			if err != nil {
				return fmt.Errorf("load object index %d: %w", idx, err)
			}
			s, err := fit.SliceForObject(table, idx, out)
			if err != nil {
				return err
			}
			phot, err := fit.NewPhot(obj, s, req.NoFitValue)
			if err != nil {
				return err
			}
			var r fit.ObjectResult
			if req.Confidence {
				conf, err := phot.Confidence(req.Percentiles, req.Interval)
				if err != nil {
					return err
				}
				r, err = conf.Summarize()
				if err != nil {
					return err
				}
			} else if r, err = phot.Summarize(); err != nil {
				return err
			}
			results[i] = r
			logProgress(p.log, "aggregate", map[string]any{"object_index": idx, "object_id": obj.ID, "fitted": r.FittedPixels})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
