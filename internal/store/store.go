// Package store handles SQLite persistence.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verte-zerg/ktsim/internal/model"

	_ "modernc.org/sqlite" // SQLite driver.
)

// ErrNotFound is returned when a dataset or run does not exist.
var ErrNotFound = errors.New("store: not found")

// timeLayout is fixed-width so stored UTC timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps SQLite access for corpora, runs and checkpoints.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database and applies migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers from concurrent training runs.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		if cerr := db.Close(); cerr != nil {
			// Best-effort close on migration failure.
			_ = cerr
		}
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS datasets (
			name TEXT PRIMARY KEY,
			imported_at TEXT NOT NULL,
			interactions INTEGER NOT NULL,
			learners INTEGER NOT NULL,
			skills INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS interactions (
			dataset TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			skill_id INTEGER NOT NULL,
			problem_id INTEGER NOT NULL,
			correct INTEGER NOT NULL,
			ts REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			family TEXT NOT NULL,
			mode TEXT NOT NULL,
			dataset TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			best_epoch INTEGER NOT NULL DEFAULT -1,
			best_metric REAL NOT NULL DEFAULT 0,
			config TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_losses (
			run_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			phase TEXT NOT NULL,
			key TEXT NOT NULL,
			value REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			dims TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (run_id, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_dataset ON interactions(dataset, user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_run_losses_run ON run_losses(run_id, phase, key);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ImportInteractions replaces the dataset called name with inters.
func (s *Store) ImportInteractions(ctx context.Context, name string, inters []model.Interaction) (ds model.Dataset, err error) {
	ds = model.Dataset{Name: name, Interactions: len(inters), ImportedAt: time.Now().UTC()}
	users := map[int64]bool{}
	skills := map[int]bool{}
	for _, it := range inters {
		users[it.UserID] = true
		skills[it.SkillID] = true
	}
	ds.Learners, ds.Skills = len(users), len(skills)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ds, err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				// Best-effort rollback.
				_ = rerr
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM interactions WHERE dataset = ?`, name); err != nil {
		return ds, err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO datasets (name, imported_at, interactions, learners, skills) VALUES (?, ?, ?, ?, ?)`,
		name, ds.ImportedAt.Format(timeLayout), ds.Interactions, ds.Learners, ds.Skills,
	); err != nil {
		return ds, err
	}

	if len(inters) > 0 {
		stmt, perr := tx.PrepareContext(ctx,
			`INSERT INTO interactions (dataset, user_id, skill_id, problem_id, correct, ts) VALUES (?, ?, ?, ?, ?, ?)`)
		if perr != nil {
			err = perr
			return ds, err
		}
		defer func() {
			if cerr := stmt.Close(); cerr != nil {
				// Best-effort statement close.
				_ = cerr
			}
		}()
		for _, it := range inters {
			if _, err = stmt.ExecContext(ctx, name, it.UserID, it.SkillID, it.ProblemID, it.Correct, it.Timestamp); err != nil {
				return ds, err
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return ds, err
	}
	return ds, nil
}

// ListDatasets returns every imported dataset ordered by name.
func (s *Store) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, imported_at, interactions, learners, skills FROM datasets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var result []model.Dataset
	for rows.Next() {
		var ds model.Dataset
		var importedAt string
		if err := rows.Scan(&ds.Name, &importedAt, &ds.Interactions, &ds.Learners, &ds.Skills); err != nil {
			return nil, err
		}
		if ds.ImportedAt, err = time.Parse(time.RFC3339Nano, importedAt); err != nil {
			return nil, err
		}
		result = append(result, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// LoadInteractions returns the interactions of a dataset in insertion order.
func (s *Store) LoadInteractions(ctx context.Context, name string) ([]model.Interaction, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets WHERE name = ?`, name).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: dataset %q", ErrNotFound, name)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, skill_id, problem_id, correct, ts FROM interactions WHERE dataset = ? ORDER BY rowid`, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var result []model.Interaction
	for rows.Next() {
		var it model.Interaction
		if err := rows.Scan(&it.UserID, &it.SkillID, &it.ProblemID, &it.Correct, &it.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// StartRun stores a new run. A missing id is filled with a random UUID.
func (s *Store) StartRun(ctx context.Context, run model.Run) (model.Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.BestEpoch = -1
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, family, mode, dataset, started_at, best_epoch, best_metric, config) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Family, run.Mode, run.Dataset, run.StartedAt.UTC().Format(timeLayout), run.BestEpoch, run.BestMetric, run.Config)
	if err != nil {
		return run, err
	}
	return run, nil
}

// FinishRun records the end time and the best epoch of a run.
func (s *Store) FinishRun(ctx context.Context, id string, bestEpoch int, bestMetric float64, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, best_epoch = ?, best_metric = ? WHERE id = ?`,
		endedAt.UTC().Format(timeLayout), bestEpoch, bestMetric, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: run %q", ErrNotFound, id)
	}
	return nil
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Family  string
	Dataset string
	Since   *time.Time
	Limit   int
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.Family != "" {
		clauses = append(clauses, "family = ?")
		args = append(args, f.Family)
	}
	if f.Dataset != "" {
		clauses = append(clauses, "dataset = ?")
		args = append(args, f.Dataset)
	}
	if f.Since != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	query := fmt.Sprintf(`SELECT id, family, mode, dataset, started_at, ended_at, best_epoch, best_metric, config
		FROM runs
		WHERE %s
		ORDER BY started_at DESC`, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryRuns(ctx, query, args...)
}

// GetRun returns the run whose id equals or uniquely starts with id.
func (s *Store) GetRun(ctx context.Context, id string) (model.Run, error) {
	runs, err := s.queryRuns(ctx, `SELECT id, family, mode, dataset, started_at, ended_at, best_epoch, best_metric, config
		FROM runs WHERE id = ? OR id LIKE ? ORDER BY id LIMIT 2`, id, id+"%")
	if err != nil {
		return model.Run{}, err
	}
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
	}
	switch len(runs) {
	case 0:
		return model.Run{}, fmt.Errorf("%w: run %q", ErrNotFound, id)
	case 1:
		return runs[0], nil
	}
	return model.Run{}, fmt.Errorf("run prefix %q is ambiguous", id)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var startedAt string
		var endedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Family, &r.Mode, &r.Dataset, &startedAt, &endedAt, &r.BestEpoch, &r.BestMetric, &r.Config); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			parsed, err := time.Parse(time.RFC3339Nano, endedAt.String)
			if err != nil {
				return nil, err
			}
			r.EndedAt = &parsed
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Recorder appends loss records of one run.
type Recorder struct {
	store *Store
	runID string
}

// Recorder returns a loss recorder bound to runID.
func (s *Store) Recorder(runID string) *Recorder {
	return &Recorder{store: s, runID: runID}
}

// Record stores one scalar.
func (r *Recorder) Record(ctx context.Context, rec model.LossRecord) error {
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO run_losses (run_id, epoch, phase, key, value) VALUES (?, ?, ?, ?, ?)`,
		r.runID, rec.Epoch, rec.Phase, rec.Key, rec.Value)
	return err
}

// ListLosses returns the records of a run ordered by epoch. Empty phase or
// key match everything.
func (s *Store) ListLosses(ctx context.Context, runID, phase, key string) ([]model.LossRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, phase, key, value FROM run_losses
		 WHERE run_id = ? AND (? = '' OR phase = ?) AND (? = '' OR key = ?)
		 ORDER BY epoch, phase, key`,
		runID, phase, phase, key, key)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var result []model.LossRecord
	for rows.Next() {
		var rec model.LossRecord
		if err := rows.Scan(&rec.Epoch, &rec.Phase, &rec.Key, &rec.Value); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SaveCheckpoint replaces the stored parameters of a run.
func (s *Store) SaveCheckpoint(ctx context.Context, runID string, cps []model.Checkpoint) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				// Best-effort rollback.
				_ = rerr
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return err
	}
	for _, cp := range cps {
		dims, merr := json.Marshal(cp.Dims)
		if merr != nil {
			err = merr
			return err
		}
		data, merr := json.Marshal(cp.Data)
		if merr != nil {
			err = merr
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO checkpoints (run_id, name, dims, data) VALUES (?, ?, ?, ?)`,
			runID, cp.Name, string(dims), string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadCheckpoint returns the stored parameters of a run ordered by name.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string) ([]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, dims, data FROM checkpoints WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var result []model.Checkpoint
	for rows.Next() {
		var cp model.Checkpoint
		var dims, data string
		if err := rows.Scan(&cp.Name, &dims, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(dims), &cp.Dims); err != nil {
			return nil, fmt.Errorf("checkpoint %s dims: %w", cp.Name, err)
		}
		if err := json.Unmarshal([]byte(data), &cp.Data); err != nil {
			return nil, fmt.Errorf("checkpoint %s data: %w", cp.Name, err)
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: checkpoint for run %q", ErrNotFound, runID)
	}
	return result, nil
}
