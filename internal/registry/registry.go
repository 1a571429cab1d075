// Package registry is the durable table of numbered, named processing runs
// and the on-disk layout of their folders.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"spare/internal/errs"
)

const dbName = "runs.db"

// Registry wraps SQLite-backed persistence for runs, their passes and results.
type Registry struct {
	DB      *sql.DB
	root    string
	runsDir string
}

// Run is one registered run.
type Run struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	ObjectCount int       `json:"object_count"`
	Folder      string    `json:"folder"`
	CreatedAt   time.Time `json:"created_at"`
}

// Key is the run's folder name, "{id}_{name}", also used as its blob prefix.
func (r Run) Key() string { return fmt.Sprintf("%d_%s", r.ID, r.Name) }

// Open opens (or creates) the registry under outputFolder and ensures schema.
// Run folders live in outputFolder/runs.
func Open(ctx context.Context, outputFolder string) (*Registry, error) {
	runsDir := filepath.Join(outputFolder, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs folder: %w", err)
	}
	dsn := "file:" + filepath.Join(outputFolder, dbName) +
		"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	r := &Registry{DB: db, root: outputFolder, runsDir: runsDir}
	if err := r.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id INTEGER PRIMARY KEY,
            name TEXT NOT NULL,
            object_count INTEGER NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS run_sequence (
            id INTEGER PRIMARY KEY CHECK (id = 0),
            next INTEGER NOT NULL
        );`,
		`INSERT OR IGNORE INTO run_sequence (id, next) VALUES (0, 0);`,
		`CREATE TABLE IF NOT EXISTS run_passes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
            stage TEXT NOT NULL,
            status TEXT NOT NULL,
            meta_json TEXT,
            error_message TEXT,
            started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS object_results (
            run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
            object_index INTEGER NOT NULL,
            object_id INTEGER NOT NULL,
            pixels INTEGER NOT NULL,
            fitted_pixels INTEGER NOT NULL,
            zchi2 REAL,
            segmap_pixels INTEGER NOT NULL,
            zchi2_segmap REAL,
            has_confidence BOOLEAN NOT NULL DEFAULT FALSE,
            confident INTEGER NOT NULL DEFAULT 0,
            within INTEGER NOT NULL DEFAULT 0,
            within_and_confident INTEGER NOT NULL DEFAULT 0,
            PRIMARY KEY (run_id, object_index)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_run_passes_run_id ON run_passes(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := r.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (r *Registry) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// RunsDir returns the folder holding every run folder.
func (r *Registry) RunsDir() string { return r.runsDir }

func validName(name string) error {
	// run names prefix every object key, and blob stores refuse keys with ".."
	if strings.TrimSpace(name) == "" || name == "." || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid run name %q: %w", name, errs.ErrPrecondition)
	}
	return nil
}

// AddRun registers a run and creates its folder. Ids come from a high-water
// counter bumped as the first statement of the transaction, so concurrent
// callers never share an id and deleted ids are never issued again. A folder
// that cannot be created rolls the registration back.
func (r *Registry) AddRun(ctx context.Context, name string, objectCount int) (Run, error) {
	if err := validName(name); err != nil {
		return Run{}, err
	}
	if objectCount < 0 {
		return Run{}, fmt.Errorf("negative object count %d: %w", objectCount, errs.ErrPrecondition)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, err
	}
	defer tx.Rollback()

	run := Run{Name: name, ObjectCount: objectCount, CreatedAt: time.Now().UTC()}
	if err := tx.QueryRowContext(ctx,
		`UPDATE run_sequence SET next = next + 1 WHERE id = 0 RETURNING next - 1;`).Scan(&run.ID); err != nil {
		return Run{}, fmt.Errorf("allocate run id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, name, object_count, created_at) VALUES (?, ?, ?, ?);`,
		run.ID, run.Name, run.ObjectCount, run.CreatedAt); err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}

	run.Folder = filepath.Join(r.runsDir, run.Key())
	if err := os.Mkdir(run.Folder, 0o755); err != nil {
		return Run{}, fmt.Errorf("create run folder: %w", err)
	}
	if err := tx.Commit(); err != nil {
		_ = os.RemoveAll(run.Folder)
		return Run{}, err
	}
	return run, nil
}

// Run looks up a run by id.
func (r *Registry) Run(ctx context.Context, id int) (Run, error) {
	run := Run{ID: id}
	err := r.DB.QueryRowContext(ctx, `SELECT name, object_count, created_at FROM runs WHERE id=?;`, id).
		Scan(&run.Name, &run.ObjectCount, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return Run{}, err
	}
	run.Folder = filepath.Join(r.runsDir, run.Key())
	return run, nil
}

// Runs lists every run by ascending id.
func (r *Registry) Runs(ctx context.Context) ([]Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name, object_count, created_at FROM runs ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.Name, &run.ObjectCount, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Folder = filepath.Join(r.runsDir, run.Key())
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunFolder returns the folder of run id.
func (r *Registry) RunFolder(ctx context.Context, id int) (string, error) {
	run, err := r.Run(ctx, id)
	if err != nil {
		return "", err
	}
	return run.Folder, nil
}

// DeleteRun removes the run, its passes and results, and its folder tree.
func (r *Registry) DeleteRun(ctx context.Context, id int) (Run, error) {
	run, err := r.Run(ctx, id)
	if err != nil {
		return Run{}, err
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM runs WHERE id=?;`, id)
	if err != nil {
		return Run{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Run{}, fmt.Errorf("run %d: %w", id, errs.ErrNotFound)
	}
	if err := os.RemoveAll(run.Folder); err != nil {
		return run, fmt.Errorf("remove run folder: %w", err)
	}
	return run, nil
}

// DeleteAllRuns deletes every run once confirm returns true, and reports the
// runs removed.
func (r *Registry) DeleteAllRuns(ctx context.Context, confirm func() bool) ([]Run, error) {
	if confirm == nil || !confirm() {
		return nil, nil
	}
	runs, err := r.Runs(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []Run
	for _, run := range runs {
		if _, err := r.DeleteRun(ctx, run.ID); err != nil {
			return deleted, err
		}
		deleted = append(deleted, run)
	}
	return deleted, nil
}

// AddRunDescription writes description.txt into the run folder.
func (r *Registry) AddRunDescription(ctx context.Context, id int, text string) error {
	folder, err := r.RunFolder(ctx, id)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(folder, "description.txt"), []byte(text), 0o644)
}

// RunDescription reads description.txt, returning "" when none was written.
func (r *Registry) RunDescription(ctx context.Context, id int) (string, error) {
	folder, err := r.RunFolder(ctx, id)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(filepath.Join(folder, "description.txt"))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(b), err
}
