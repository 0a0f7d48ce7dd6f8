package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/knowpool/dashd/engine"
)

// MailroomSchema is the inbound-mail pipeline store (mailroom.db). Each row
// is one attachment lifted from a received message.
const MailroomSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	attachment    TEXT NOT NULL,
	mail_folder   TEXT,
	stage         TEXT NOT NULL DEFAULT 'queued',
	bounce_reason TEXT,
	received_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_stage ON messages(stage);
`

var mailroomStage = map[string]statusPair{
	"queued":     {engine.ValidationPending, engine.ProcessingQueued},
	"extracting": {engine.ValidationPending, engine.ProcessingActive},
	"done":       {engine.ValidationValidated, engine.ProcessingReady},
	"bounced":    {engine.ValidationRejected, engine.ProcessingFailed},
}

// MailroomSource adapts the inbound-mail pipeline.
type MailroomSource struct {
	db   *sql.DB
	feed *changeFeed
}

// NewMailroomSource wraps an open mailroom database.
func NewMailroomSource(db *sql.DB, opts Options) *MailroomSource {
	opts.defaults()
	return &MailroomSource{
		db:   db,
		feed: newChangeFeed(db, opts.FeedInterval, opts.Logger.With("source", engine.SourceMailroom)),
	}
}

func (s *MailroomSource) ID() engine.SourceID { return engine.SourceMailroom }

func (s *MailroomSource) SubscribeChanges(notify func()) (func(), error) {
	return s.feed.subscribe(notify), nil
}

func (s *MailroomSource) Count(ctx context.Context, f engine.Filter) (int, error) {
	where, args := filterClause(f, "mail_folder", "attachment")
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages"+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("messages: count: %w", err)
	}
	return n, nil
}

func (s *MailroomSource) FetchRange(ctx context.Context, f engine.Filter, offset, limit int) ([]engine.Document, error) {
	where, args := filterClause(f, "mail_folder", "attachment")
	q := "SELECT id, attachment, mail_folder, stage, bounce_reason, received_at FROM messages" +
		where + " ORDER BY received_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("messages: fetch: %w", err)
	}
	defer rows.Close()

	var docs []engine.Document
	for rows.Next() {
		var (
			d              engine.Document
			folder, bounce sql.NullString
			stage          string
			receivedMs     int64
		)
		if err := rows.Scan(&d.ID, &d.FileName, &folder, &stage, &bounce, &receivedMs); err != nil {
			return nil, fmt.Errorf("messages: scan: %w", err)
		}
		d.SourceID = engine.SourceMailroom
		d.ValidationState, d.ProcessingState = mapStatus(mailroomStage, stage)
		d.FolderPath = optional(folder)
		d.ErrorMessage = optional(bounce)
		d.CreatedAt = time.UnixMilli(receivedMs).UTC()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages: fetch: %w", err)
	}
	return docs, nil
}
