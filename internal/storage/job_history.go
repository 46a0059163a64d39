package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hivegrid/scheduler/internal/model"
)

// JobAttempt is one execution attempt of a job. In-memory scheduler
// state remains the source of truth; this log exists for audit and
// debugging and survives restarts.
type JobAttempt struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	Type        string          `json:"type"`
	WorkerID    string          `json:"worker_id"`
	Status      model.JobStatus `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
}

// JobHistoryStore persists job execution attempts
type JobHistoryStore interface {
	// Record stores a new attempt at dispatch time
	Record(ctx context.Context, attempt *JobAttempt) error

	// Finish updates an attempt with its outcome
	Finish(ctx context.Context, attempt *JobAttempt) error

	// List retrieves attempts for a job, newest first
	List(ctx context.Context, jobID string, limit int) ([]*JobAttempt, error)

	// Count returns the number of attempts with the given status; an
	// empty status counts everything
	Count(ctx context.Context, status model.JobStatus) (int, error)

	// DeleteBefore deletes attempts started before the cutoff
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying store
	Close() error
}

// SQLiteJobHistory implements JobHistoryStore using SQLite
type SQLiteJobHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteJobHistory opens (or creates) the history database
func NewSQLiteJobHistory(logger *zap.Logger, dbPath string) (*SQLiteJobHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteJobHistory{
		logger: logger.Named("job-history"),
		db:     db,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteJobHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_attempts (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			type TEXT NOT NULL,
			worker_id TEXT,
			status TEXT NOT NULL,
			payload TEXT,
			result TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_job_attempts_job_id ON job_attempts(job_id);
		CREATE INDEX IF NOT EXISTS idx_job_attempts_status ON job_attempts(status);
		CREATE INDEX IF NOT EXISTS idx_job_attempts_started_at ON job_attempts(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Record implements JobHistoryStore.Record
func (s *SQLiteJobHistory) Record(ctx context.Context, attempt *JobAttempt) error {
	var payloadStr string
	if len(attempt.Payload) > 0 {
		payloadStr = string(attempt.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_attempts (
			id, job_id, type, worker_id, status, payload, retry_count, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.JobID,
		attempt.Type,
		attempt.WorkerID,
		attempt.Status,
		payloadStr,
		attempt.RetryCount,
		attempt.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record job attempt: %w", err)
	}
	return nil
}

// Finish implements JobHistoryStore.Finish
func (s *SQLiteJobHistory) Finish(ctx context.Context, attempt *JobAttempt) error {
	var resultStr string
	if len(attempt.Result) > 0 {
		resultStr = string(attempt.Result)
	}

	var completedAt sql.NullTime
	if attempt.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *attempt.CompletedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE job_attempts SET
			status = ?,
			result = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		attempt.Status,
		sql.NullString{String: resultStr, Valid: resultStr != ""},
		sql.NullString{String: attempt.Error, Valid: attempt.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(attempt.Duration), Valid: attempt.Duration != 0},
		attempt.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job attempt: %w", err)
	}
	return nil
}

// List implements JobHistoryStore.List
func (s *SQLiteJobHistory) List(ctx context.Context, jobID string, limit int) ([]*JobAttempt, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, type, worker_id, status, payload, result, error,
			retry_count, started_at, completed_at, duration
		FROM job_attempts
		WHERE job_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*JobAttempt
	for rows.Next() {
		var a JobAttempt
		var workerID, payload, result, errStr sql.NullString
		var completedAt sql.NullTime
		var duration sql.NullInt64

		if err := rows.Scan(
			&a.ID, &a.JobID, &a.Type, &workerID, &a.Status,
			&payload, &result, &errStr,
			&a.RetryCount, &a.StartedAt, &completedAt, &duration,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job attempt: %w", err)
		}

		a.WorkerID = workerID.String
		if payload.Valid && payload.String != "" {
			a.Payload = json.RawMessage(payload.String)
		}
		if result.Valid && result.String != "" {
			a.Result = json.RawMessage(result.String)
		}
		a.Error = errStr.String
		if completedAt.Valid {
			t := completedAt.Time
			a.CompletedAt = &t
		}
		if duration.Valid {
			a.Duration = time.Duration(duration.Int64)
		}

		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// Count implements JobHistoryStore.Count
func (s *SQLiteJobHistory) Count(ctx context.Context, status model.JobStatus) (int, error) {
	var (
		count int
		err   error
	)
	if status == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM job_attempts`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM job_attempts WHERE status = ?`, status).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count job attempts: %w", err)
	}
	return count, nil
}

// DeleteBefore implements JobHistoryStore.DeleteBefore
func (s *SQLiteJobHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_attempts WHERE started_at < ?`, before)
	if err != nil {
		return fmt.Errorf("failed to delete old job attempts: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("Old job attempts deleted", zap.Int64("count", n))
	}
	return nil
}

// Close implements JobHistoryStore.Close
func (s *SQLiteJobHistory) Close() error {
	return s.db.Close()
}
