// Package store keeps a SQLite ledger of training runs, their per-epoch
// evaluation results and the checkpoints they wrote.
package store

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

var (
	//go:embed sql/*
	f embed.FS

	// ErrNotFound is returned when a run id is unknown.
	ErrNotFound = errors.New("run not found")
)

const (
	insertRunSQL = `INSERT INTO run (id, target, config, status, started_at) VALUES (?, ?, ?, ?, ?)`

	finishRunSQL = `UPDATE run SET status = ?, finished_at = ?, message = ? WHERE id = ?`

	insertEpochSQL = `INSERT INTO epoch (run_id, epoch, train_loss, samples_per_sec, accuracy, correlation, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, epoch) DO UPDATE SET
			train_loss = excluded.train_loss,
			samples_per_sec = excluded.samples_per_sec,
			accuracy = excluded.accuracy,
			correlation = excluded.correlation,
			recorded_at = excluded.recorded_at
	`

	insertCheckpointSQL = `INSERT OR REPLACE INTO checkpoint (run_id, epoch, path, accuracy, correlation, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	selectRunsSQL = `SELECT id, target, config, status, started_at, finished_at, message
		FROM run ORDER BY started_at DESC, id LIMIT ?`

	selectRunSQL = `SELECT id, target, config, status, started_at, finished_at, message
		FROM run WHERE id = ?`

	selectEpochsSQL = `SELECT e.epoch, e.train_loss, e.samples_per_sec, e.accuracy, e.correlation, e.recorded_at,
			COALESCE((SELECT c.path FROM checkpoint c WHERE c.run_id = e.run_id AND c.epoch = e.epoch ORDER BY c.recorded_at DESC LIMIT 1), '')
		FROM epoch e WHERE e.run_id = ? ORDER BY e.epoch`
)

// Run is a single training invocation.
type Run struct {
	ID         string     `json:"id"`
	Target     string     `json:"target"`
	Config     string     `json:"config"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Epoch is the evaluation outcome of one epoch.
type Epoch struct {
	Epoch         int       `json:"epoch"`
	TrainLoss     float64   `json:"train_loss"`
	SamplesPerSec float64   `json:"samples_per_sec"`
	Accuracy      float64   `json:"accuracy"`
	Correlation   float64   `json:"correlation"`
	RecordedAt    time.Time `json:"recorded_at"`
	Checkpoint    string    `json:"checkpoint,omitempty"`
}

// Store wraps the ledger database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path not specified")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create store dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database: %s", path)
	}
	// A single connection keeps writes serialised.
	db.SetMaxOpenConns(1)

	b, err := f.ReadFile("sql/ddl.sql")
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to read the schema creation file")
	}
	if _, err := db.Exec(string(b)); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to create database schema in: %s", path)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartRun records a new running run and returns its id.
func (s *Store) StartRun(ctx context.Context, target, config string) (string, error) {
	if target == "" {
		return "", errors.New("target is required")
	}
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, insertRunSQL, id, target, config, StatusRunning, s.now().UTC().UnixNano()); err != nil {
		return "", errors.Wrap(err, "failed to insert run")
	}
	return id, nil
}

// RecordEpoch upserts the result of one epoch.
func (s *Store) RecordEpoch(ctx context.Context, runID string, e Epoch) error {
	if runID == "" || e.Epoch < 1 {
		return errors.Errorf("run id and a positive epoch are required (got %q, %d)", runID, e.Epoch)
	}
	if _, err := s.db.ExecContext(ctx, insertEpochSQL, runID, e.Epoch, e.TrainLoss, e.SamplesPerSec,
		e.Accuracy, e.Correlation, s.now().UTC().UnixNano()); err != nil {
		return errors.Wrapf(err, "failed to insert epoch %d", e.Epoch)
	}
	return nil
}

// RecordCheckpoint notes a checkpoint written during epoch.
func (s *Store) RecordCheckpoint(ctx context.Context, runID string, epoch int, path string, accuracy, correlation float64) error {
	if runID == "" || path == "" {
		return errors.New("run id and path are required")
	}
	if _, err := s.db.ExecContext(ctx, insertCheckpointSQL, runID, epoch, path, accuracy, correlation,
		s.now().UTC().UnixNano()); err != nil {
		return errors.Wrap(err, "failed to insert checkpoint")
	}
	return nil
}

// FinishRun sets the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status, message string) error {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
	default:
		return errors.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, finishRunSQL, status, s.now().UTC().UnixNano(), message, runID)
	if err != nil {
		return errors.Wrap(err, "failed to update run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, runID)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectRunsSQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	list := make([]Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, errors.Wrap(rows.Err(), "failed to iterate runs")
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, selectRunSQL, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, errors.Wrap(ErrNotFound, runID)
	}
	return r, err
}

// ListEpochs returns the epochs of a run in order.
func (s *Store) ListEpochs(ctx context.Context, runID string) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx, selectEpochsSQL, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query epochs")
	}
	defer rows.Close()

	list := make([]Epoch, 0)
	for rows.Next() {
		var e Epoch
		var recorded int64
		if err := rows.Scan(&e.Epoch, &e.TrainLoss, &e.SamplesPerSec, &e.Accuracy, &e.Correlation, &recorded, &e.Checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to scan epoch")
		}
		e.RecordedAt = time.Unix(0, recorded).UTC()
		list = append(list, e)
	}
	return list, errors.Wrap(rows.Err(), "failed to iterate epochs")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var started int64
	var finished sql.NullInt64
	var msg sql.NullString
	if err := row.Scan(&r.ID, &r.Target, &r.Config, &r.Status, &started, &finished, &msg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, errors.Wrap(err, "failed to scan run")
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	r.Message = msg.String
	return r, nil
}
