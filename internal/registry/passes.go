package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"spare/internal/errs"
	"spare/internal/fit"
)

// Pass statuses.
const (
	PassRunning   = "running"
	PassCompleted = "completed"
	PassFailed    = "failed"
)

// PassRecord captures one pipeline stage executed against a run.
type PassRecord struct {
	ID          int64          `json:"id"`
	RunID       int            `json:"run_id"`
	Stage       string         `json:"stage"`
	Status      string         `json:"status"`
	Meta        map[string]any `json:"meta,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RecordPassStart inserts a running pass for runID and returns its id.
func (r *Registry) RecordPassStart(ctx context.Context, runID int, stage string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO run_passes (run_id, stage, status, started_at) VALUES (?, ?, ?, ?);`,
		runID, stage, PassRunning, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("record pass start: %w", err)
	}
	return res.LastInsertId()
}

// RecordPassResult finalizes a pass with status and meta.
func (r *Registry) RecordPassResult(ctx context.Context, passID int64, status string, meta map[string]any, errMsg string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode pass meta: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE run_passes SET status=?, meta_json=?, error_message=?, completed_at=? WHERE id=?;`,
		status, string(metaJSON), errMsg, time.Now().UTC(), passID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pass %d: %w", passID, errs.ErrNotFound)
	}
	return nil
}

// Passes returns the passes of runID, oldest first.
func (r *Registry) Passes(ctx context.Context, runID int) ([]PassRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, run_id, stage, status, meta_json, error_message, started_at, completed_at FROM run_passes WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PassRecord
	for rows.Next() {
		var rec PassRecord
		var metaJSON, errorMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Stage, &rec.Status, &metaJSON, &errorMsg, &rec.StartedAt, &completed); err != nil {
			return nil, err
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &rec.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal meta: %w", err)
			}
		}
		rec.Error = errorMsg.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveResults replaces the stored object results of runID.
func (r *Registry) SaveResults(ctx context.Context, runID int, results []fit.ObjectResult) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM object_results WHERE run_id=?;`, runID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO object_results (run_id, object_index, object_id, pixels, fitted_pixels, zchi2, segmap_pixels, zchi2_segmap, has_confidence, confident, within, within_and_confident)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, res := range results {
		if _, err := stmt.ExecContext(ctx, runID, res.ObjectIndex, res.ObjectID, res.Pixels, res.FittedPixels,
			nullFloat(res.ZChi2), res.SegmapPixels, nullFloat(res.ZChi2Segmap),
			res.HasConfidence, res.Confident, res.Within, res.WithinAndConfident); err != nil {
			return fmt.Errorf("save result for object index %d: %w", res.ObjectIndex, err)
		}
	}
	return tx.Commit()
}

// Results returns the stored object results of runID by object index.
func (r *Registry) Results(ctx context.Context, runID int) ([]fit.ObjectResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT object_index, object_id, pixels, fitted_pixels, zchi2, segmap_pixels, zchi2_segmap, has_confidence, confident, within, within_and_confident
        FROM object_results WHERE run_id=? ORDER BY object_index;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fit.ObjectResult
	for rows.Next() {
		var res fit.ObjectResult
		var z, zSeg sql.NullFloat64
		if err := rows.Scan(&res.ObjectIndex, &res.ObjectID, &res.Pixels, &res.FittedPixels, &z, &res.SegmapPixels, &zSeg,
			&res.HasConfidence, &res.Confident, &res.Within, &res.WithinAndConfident); err != nil {
			return nil, err
		}
		if z.Valid {
			res.ZChi2 = &z.Float64
		}
		if zSeg.Valid {
			res.ZChi2Segmap = &zSeg.Float64
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
