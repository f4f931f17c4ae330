package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/cwygoda/optimizer/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    id             TEXT NOT NULL UNIQUE,
    url            TEXT NOT NULL,
    file_extension TEXT NOT NULL,
    status         TEXT NOT NULL,
    percent        REAL NOT NULL DEFAULT 0,
    bytes_done     INTEGER NOT NULL DEFAULT 0,
    bytes_total    INTEGER NOT NULL DEFAULT 0,
    output_path    TEXT,
    error          TEXT,
    version        INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

const selectJob = `SELECT id, url, file_extension, status, percent, bytes_done, bytes_total,
       COALESCE(output_path, ''), COALESCE(error, ''), created_at, updated_at
  FROM jobs`

// Repository implements domain.JobRepository using SQLite.
type Repository struct {
	db *sql.DB
}

var _ domain.JobRepository = (*Repository)(nil)

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save upserts a job snapshot. A snapshot with a version not newer than the
// stored one is ignored, so writes that arrive out of order never roll a
// job back.
func (r *Repository) Save(ctx context.Context, job domain.Job, version int64) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id, url, file_extension, status, percent, bytes_done, bytes_total,
                  output_path, error, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status      = excluded.status,
    percent     = excluded.percent,
    bytes_done  = excluded.bytes_done,
    bytes_total = excluded.bytes_total,
    output_path = excluded.output_path,
    error       = excluded.error,
    version     = excluded.version,
    updated_at  = excluded.updated_at
WHERE excluded.version > jobs.version`,
		job.ID, job.SourceURL, job.TargetExtension, job.Status,
		job.Progress.Percent, job.Progress.BytesDone, job.Progress.BytesTotal,
		job.OutputPath, job.Error, version,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	return err
}

// List returns every stored job in creation order.
func (r *Repository) List(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, selectJob+` ORDER BY created_at ASC, seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkInterrupted fails every job that had not finished, for startup after
// a crash or restart. Interrupted jobs are not resumed.
func (r *Repository) MarkInterrupted(ctx context.Context, reason string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, output_path = NULL, version = version + 1, updated_at = ?
		 WHERE status IN (?, ?, ?)`,
		domain.StatusFailed, reason, time.Now().UnixNano(),
		domain.StatusQueued, domain.StatusDownloading, domain.StatusTransforming,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var job domain.Job
	var status string
	var created, updated int64
	err := row.Scan(&job.ID, &job.SourceURL, &job.TargetExtension, &status,
		&job.Progress.Percent, &job.Progress.BytesDone, &job.Progress.BytesTotal,
		&job.OutputPath, &job.Error, &created, &updated)
	if err == sql.ErrNoRows {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatus(status)
	job.CreatedAt = time.Unix(0, created).UTC()
	job.UpdatedAt = time.Unix(0, updated).UTC()
	return job, nil
}
