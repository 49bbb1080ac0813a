package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/forge/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    body        TEXT NOT NULL,
    conduit     TEXT NOT NULL,
    status      TEXT NOT NULL,
    seed        INTEGER NOT NULL,
    samples     INTEGER NOT NULL,
    failed      INTEGER NOT NULL DEFAULT 0,
    suspensions INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createSamplesTable = `
CREATE TABLE IF NOT EXISTS samples (
    run_id      TEXT NOT NULL REFERENCES runs(id),
    sample_id   INTEGER NOT NULL,
    status      TEXT NOT NULL,
    resource    INTEGER NOT NULL,
    suspensions INTEGER NOT NULL,
    error_type  TEXT,
    error       TEXT,
    blackboard  BLOB,
    duration_ms INTEGER,
    started_at  DATETIME,
    finished_at DATETIME,
    PRIMARY KEY (run_id, sample_id)
)`

// ErrNotFound is returned when a run or sample is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database lives on a single connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, stmt := range map[string]string{"runs": createRunsTable, "samples": createSamplesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, body, conduit, status, seed, samples, failed, suspensions,
			created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Body, r.Conduit, r.Status, int64(r.Seed), r.Samples, r.Failed, r.Suspensions,
		r.CreatedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the final status and counters of a running run.
func (s *SQLiteStore) FinishRun(ctx context.Context, r *model.Run) error {
	if r.Status == model.RunRunning {
		return fmt.Errorf("%w: finish run with status %q", ErrInvalidTransition, r.Status)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failed = ?, suspensions = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		r.Status, r.Failed, r.Suspensions, r.FinishedAt, r.ID, model.RunRunning,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetRun(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: run %s is already finished", ErrInvalidTransition, r.ID)
	}
	return nil
}

const runColumns = `id, body, conduit, status, seed, samples, failed, suspensions, created_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	r := &model.Run{}
	var seed int64
	if err := row.Scan(
		&r.ID, &r.Body, &r.Conduit, &r.Status, &seed, &r.Samples, &r.Failed, &r.Suspensions,
		&r.CreatedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	r.Seed = uint64(seed)
	return r, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// InsertSamples stores the final state of a batch of samples in one transaction.
func (s *SQLiteStore) InsertSamples(ctx context.Context, samples []model.SampleRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (
			run_id, sample_id, status, resource, suspensions, error_type, error,
			blackboard, duration_ms, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert sample: %w", err)
	}
	defer stmt.Close()

	for _, sr := range samples {
		if _, err := stmt.ExecContext(ctx,
			sr.RunID, sr.SampleID, sr.Status, sr.Resource, sr.Suspensions, sr.ErrorType, sr.Error,
			sr.Blackboard, sr.DurationMS, sr.StartedAt, sr.FinishedAt,
		); err != nil {
			return fmt.Errorf("insert sample %d: %w", sr.SampleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit samples: %w", err)
	}
	return nil
}

const sampleColumns = `run_id, sample_id, status, resource, suspensions, error_type, error,
	blackboard, duration_ms, started_at, finished_at`

func scanSample(row scanner) (*model.SampleRecord, error) {
	sr := &model.SampleRecord{}
	var errType, errMsg sql.NullString
	if err := row.Scan(
		&sr.RunID, &sr.SampleID, &sr.Status, &sr.Resource, &sr.Suspensions, &errType, &errMsg,
		&sr.Blackboard, &sr.DurationMS, &sr.StartedAt, &sr.FinishedAt,
	); err != nil {
		return nil, err
	}
	sr.ErrorType = errType.String
	sr.Error = errMsg.String
	return sr, nil
}

// ListSamples returns every sample of a run ordered by sample id.
func (s *SQLiteStore) ListSamples(ctx context.Context, runID string) ([]model.SampleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sampleColumns+` FROM samples WHERE run_id = ? ORDER BY sample_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var samples []model.SampleRecord
	for rows.Next() {
		sr, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, *sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return samples, nil
}

// GetSample retrieves one sample of a run.
func (s *SQLiteStore) GetSample(ctx context.Context, runID string, sampleID int) (*model.SampleRecord, error) {
	sr, err := scanSample(s.db.QueryRowContext(ctx,
		`SELECT `+sampleColumns+` FROM samples WHERE run_id = ? AND sample_id = ?`, runID, sampleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sample: %w", err)
	}
	return sr, nil
}

// GetRunStats aggregates counters across all runs and samples.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &RunStats{
		RunsByStatus:    make(map[string]int),
		SamplesByStatus: make(map[string]int),
	}

	if err := countBy(ctx, tx, "SELECT status, COUNT(*) FROM runs GROUP BY status", stats.RunsByStatus, &stats.Runs); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	if err := countBy(ctx, tx, "SELECT status, COUNT(*) FROM samples GROUP BY status", stats.SamplesByStatus, &stats.Samples); err != nil {
		return nil, fmt.Errorf("count samples: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(suspensions), 0), COALESCE(AVG(duration_ms), 0) FROM samples`,
	).Scan(&stats.Suspensions, &stats.AvgSampleDurationMS); err != nil {
		return nil, fmt.Errorf("sample totals: %w", err)
	}

	return stats, nil
}

func countBy(ctx context.Context, tx *sql.Tx, query string, into map[string]int, total *int) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		into[status] = n
		*total += n
	}
	return rows.Err()
}
