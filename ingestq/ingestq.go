// Package ingestq implements the ingest work queue backed by SQLite.
//
// Each pipeline enqueues a job per document that still needs downstream
// processing (chunking, validation). Jobs are invisible to consumers for a
// configurable duration after being claimed: if the holder finishes it acks
// (deletes) the job, if it crashes or stalls the job reappears and another
// worker can claim it.
//
// The dashboard's health scanner reads the same table: jobs that have been
// sitting visible past a threshold are "awaiting cron pickup" and count
// against the stuck-queue category.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS ingest_jobs (
//	    id          TEXT PRIMARY KEY,
//	    source_id   TEXT NOT NULL DEFAULT '',
//	    document_id TEXT NOT NULL,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,            -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package ingestq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// Job is a row in the queue.
type Job struct {
	ID         string
	SourceID   string
	DocumentID string
	VisibleAt  time.Time
	CreatedAt  time.Time
	Attempts   int
}

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits redeliveries before a job is discarded.
	// 0 means unlimited. Default: 0.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the queue handle.
type Queue struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts}
}

// EnsureTable creates the ingest_jobs table and index if they don't exist.
func (q *Queue) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ingest_jobs (
			id          TEXT PRIMARY KEY,
			source_id   TEXT NOT NULL DEFAULT '',
			document_id TEXT NOT NULL,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_ingest_visible ON ingest_jobs (visible_at);
	`)
	return err
}

// Publish inserts a job that is immediately visible.
func (q *Queue) Publish(ctx context.Context, id, sourceID, documentID string) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO ingest_jobs (id, source_id, document_id, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, sourceID, documentID, now, now,
	)
	return err
}

// Claim atomically picks the oldest visible job, marks it invisible for the
// configured visibility duration, and returns it. Returns nil, nil when no
// job is available.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE ingest_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM ingest_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, source_id, document_id, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(),
	)

	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.ID, &j.SourceID, &j.DocumentID, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a successfully processed job.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM ingest_jobs WHERE id = ?`, id)
	return err
}

// Nack makes a job immediately visible again.
func (q *Queue) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE ingest_jobs SET visible_at = 0 WHERE id = ?`, id)
	return err
}

// Backlog returns the number of jobs that became visible before cutoff and
// are still sitting unclaimed — the queue depth the health scanner reports.
func (q *Queue) Backlog(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingest_jobs WHERE visible_at <= ? AND created_at <= ?`,
		time.Now().UnixMilli(), cutoff.UnixMilli(),
	).Scan(&n)
	return n, err
}

// OldestBacklog returns up to limit of the longest-waiting visible jobs,
// oldest first.
func (q *Queue) OldestBacklog(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, source_id, document_id, visible_at, created_at, attempts
		FROM ingest_jobs
		WHERE visible_at <= ? AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`,
		time.Now().UnixMilli(), cutoff.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.ID, &j.SourceID, &j.DocumentID, &visAt, &creAt, &j.Attempts); err != nil {
			return nil, err
		}
		j.VisibleAt = time.UnixMilli(visAt)
		j.CreatedAt = time.UnixMilli(creAt)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Len returns the total number of jobs (visible + invisible).
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_jobs`).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// Run polls for visible jobs and calls handler for each one. It blocks
// until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("ingestq: consumer started", "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("ingestq: consumer stopped")
			return
		case <-ticker.C:
			q.drain(ctx, handler, log)
		}
	}
}

func (q *Queue) drain(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("ingestq: claim failed", "error", err)
			}
			return
		}
		if job == nil {
			return // nothing visible
		}

		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("ingestq: job exceeded max attempts, discarding",
				"id", job.ID, "document_id", job.DocumentID, "attempts", job.Attempts)
			_ = q.Ack(ctx, job.ID)
			continue
		}

		if err := handler(ctx, job); err != nil {
			log.Warn("ingestq: handler failed, nacking", "id", job.ID, "error", err)
			_ = q.Nack(ctx, job.ID)
		} else {
			_ = q.Ack(ctx, job.ID)
		}
	}
}
