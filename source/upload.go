package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knowpool/dashd/engine"
)

// UploadSchema is the direct-upload pipeline store (uploads.db). The
// upload ingester owns the writes; the dashboard only reads.
const UploadSchema = `
CREATE TABLE IF NOT EXISTS uploads (
	id         TEXT PRIMARY KEY,
	file_name  TEXT NOT NULL,
	folder     TEXT,
	status     TEXT NOT NULL DEFAULT 'received',
	error      TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_created ON uploads(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(status);

CREATE TABLE IF NOT EXISTS upload_chunks (
	upload_id TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	content   TEXT NOT NULL,
	PRIMARY KEY (upload_id, seq)
);
`

// Options tune a pipeline adapter. The zero value works.
type Options struct {
	// FeedInterval is the change-feed polling cadence. Default 1s.
	FeedInterval time.Duration
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.FeedInterval <= 0 {
		o.FeedInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// uploadStatus maps the upload pipeline's vocabulary onto the shared one.
// Unknown statuses fall back to (pending, queued) rather than failing.
var uploadStatus = map[string]statusPair{
	"received": {engine.ValidationPending, engine.ProcessingQueued},
	"scanning": {engine.ValidationPending, engine.ProcessingActive},
	"ready":    {engine.ValidationValidated, engine.ProcessingReady},
	"rejected": {engine.ValidationRejected, engine.ProcessingFailed},
	"error":    {engine.ValidationPending, engine.ProcessingFailed},
}

// UploadSource adapts the direct-upload pipeline.
type UploadSource struct {
	db   *sql.DB
	feed *changeFeed
}

// NewUploadSource wraps an open uploads database.
func NewUploadSource(db *sql.DB, opts Options) *UploadSource {
	opts.defaults()
	return &UploadSource{
		db:   db,
		feed: newChangeFeed(db, opts.FeedInterval, opts.Logger.With("source", engine.SourceUpload)),
	}
}

func (s *UploadSource) ID() engine.SourceID { return engine.SourceUpload }

func (s *UploadSource) SubscribeChanges(notify func()) (func(), error) {
	return s.feed.subscribe(notify), nil
}

func (s *UploadSource) Count(ctx context.Context, f engine.Filter) (int, error) {
	where, args := filterClause(f, "folder", "file_name")
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM uploads"+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("uploads: count: %w", err)
	}
	return n, nil
}

func (s *UploadSource) FetchRange(ctx context.Context, f engine.Filter, offset, limit int) ([]engine.Document, error) {
	where, args := filterClause(f, "folder", "file_name")
	q := "SELECT id, file_name, folder, status, error, created_at FROM uploads" +
		where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("uploads: fetch: %w", err)
	}
	defer rows.Close()

	var docs []engine.Document
	for rows.Next() {
		var (
			d              engine.Document
			folder, errMsg sql.NullString
			status         string
			createdMs      int64
		)
		if err := rows.Scan(&d.ID, &d.FileName, &folder, &status, &errMsg, &createdMs); err != nil {
			return nil, fmt.Errorf("uploads: scan: %w", err)
		}
		d.SourceID = engine.SourceUpload
		d.ValidationState, d.ProcessingState = mapStatus(uploadStatus, status)
		d.FolderPath = optional(folder)
		d.ErrorMessage = optional(errMsg)
		d.CreatedAt = time.UnixMilli(createdMs).UTC()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("uploads: fetch: %w", err)
	}
	return docs, nil
}

// --- shared helpers ---

type statusPair struct {
	validation engine.ValidationState
	processing engine.ProcessingState
}

func mapStatus(table map[string]statusPair, status string) (engine.ValidationState, engine.ProcessingState) {
	if p, ok := table[status]; ok {
		return p.validation, p.processing
	}
	return engine.ValidationPending, engine.ProcessingQueued
}

// filterClause renders an engine.Filter into a WHERE clause over the given
// folder and name columns. Empty filter yields an empty clause.
func filterClause(f engine.Filter, folderCol, nameCol string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Folder != nil {
		conds = append(conds, folderCol+" = ?")
		args = append(args, *f.Folder)
	}
	if f.Query != "" {
		conds = append(conds, nameCol+" LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Query)+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// optional turns an empty or NULL column into a nil pointer.
func optional(s sql.NullString) *string {
	if !s.Valid || s.String == "" {
		return nil
	}
	v := s.String
	return &v
}
