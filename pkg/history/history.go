// Package history keeps a sqlite log of deployment runs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"webdeploy/pkg/deploy"
)

// Record is one row of the runs table.
type Record struct {
	ID              string    `json:"id"`
	Profile         string    `json:"profile"`
	Status          string    `json:"status"`
	FailedStage     string    `json:"failed_stage,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	TotalFiles      int       `json:"total_files"`
	FilesUploaded   int       `json:"files_uploaded"`
	BytesUploaded   int64     `json:"bytes_uploaded"`
	ObsoleteFiles   int       `json:"obsolete_files"`
	ExcludedFiles   int       `json:"excluded_files"`
	FailedFiles     []string  `json:"failed_files,omitempty"`
	Summary         string    `json:"summary"`
	ErrorMessage    *string   `json:"error,omitempty"`
}

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			profile TEXT NOT NULL COLLATE NOCASE,
			status TEXT NOT NULL,
			failed_stage TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			duration_seconds REAL NOT NULL,
			total_files INTEGER NOT NULL,
			files_uploaded INTEGER NOT NULL,
			bytes_uploaded INTEGER NOT NULL,
			obsolete_files INTEGER NOT NULL,
			excluded_files INTEGER NOT NULL,
			failed_files TEXT,
			summary TEXT NOT NULL,
			error_message TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_profile ON runs(profile, seq DESC)`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// RecordRun stores the outcome of a run. It satisfies deploy.HistorySink.
func (s *Store) RecordRun(ctx context.Context, res *deploy.Result) error {
	if res == nil {
		return errors.New("nil result")
	}

	var failedStage, errorMessage *string
	if !res.Success && res.FinalStage == deploy.StageFailed {
		stage := res.FailedStage.String()
		failedStage = &stage
	}
	if res.Err != nil {
		msg := res.Err.Error()
		errorMessage = &msg
	}

	var failedFiles *string
	if len(res.FailedFiles) > 0 {
		data, err := json.Marshal(res.FailedFiles)
		if err != nil {
			return fmt.Errorf("failed to encode failed files: %w", err)
		}
		encoded := string(data)
		failedFiles = &encoded
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, profile, status, failed_stage, started_at, completed_at, duration_seconds,
		 total_files, files_uploaded, bytes_uploaded, obsolete_files, excluded_files,
		 failed_files, summary, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		res.ID,
		res.ProfileName,
		res.FinalStage.String(),
		failedStage,
		formatTime(res.StartedAt),
		formatTime(res.CompletedAt),
		res.Duration.Seconds(),
		res.TotalFiles,
		res.FilesUploaded,
		res.BytesUploaded,
		res.ObsoleteFilesCount,
		res.ExcludedFileCount,
		failedFiles,
		res.Summary(),
		errorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, profile, status, failed_stage, started_at, completed_at, duration_seconds,
	       total_files, files_uploaded, bytes_uploaded, obsolete_files, excluded_files,
	       failed_files, summary, error_message
	FROM runs`

// Latest returns the most recent run of a profile, or nil if there is none.
// Profile names compare case-insensitively.
func (s *Store) Latest(ctx context.Context, profile string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE profile = ? COLLATE NOCASE
		ORDER BY seq DESC
		LIMIT 1
	`, profile)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}
	return record, nil
}

// List returns up to limit runs of a profile, newest first.
func (s *Store) List(ctx context.Context, profile string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE profile = ? COLLATE NOCASE
		ORDER BY seq DESC
		LIMIT ?
	`, profile, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*Record, error) {
	var (
		record                 Record
		failedStage            sql.NullString
		startedAt, completedAt string
		failedFiles            sql.NullString
		errorMessage           sql.NullString
	)

	err := s.Scan(
		&record.ID,
		&record.Profile,
		&record.Status,
		&failedStage,
		&startedAt,
		&completedAt,
		&record.DurationSeconds,
		&record.TotalFiles,
		&record.FilesUploaded,
		&record.BytesUploaded,
		&record.ObsoleteFiles,
		&record.ExcludedFiles,
		&failedFiles,
		&record.Summary,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	if record.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if record.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse completed_at: %w", err)
	}
	if failedStage.Valid {
		record.FailedStage = failedStage.String
	}
	if failedFiles.Valid {
		if err := json.Unmarshal([]byte(failedFiles.String), &record.FailedFiles); err != nil {
			return nil, fmt.Errorf("failed to decode failed files: %w", err)
		}
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		record.ErrorMessage = &msg
	}
	return &record, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
