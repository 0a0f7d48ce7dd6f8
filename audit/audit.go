// Package audit keeps a trail of dashboard actions (deletions, folder
// changes, forced reloads) in the dashboard database. Writes are buffered
// and flushed in batches so request handlers never block on the trail.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/knowpool/dashd/idgen"
)

// Entry is one recorded action.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	// Action names what happened, e.g. "documents_delete", "folder_declare".
	Action string `json:"action"`
	// Actor identifies who asked: a remote address or "mcp".
	Actor string `json:"actor"`
	// Detail is free-form JSON describing the action's parameters.
	Detail string `json:"detail,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id        TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	action    TEXT NOT NULL,
	actor     TEXT NOT NULL DEFAULT '',
	detail    TEXT NOT NULL DEFAULT '',
	status    TEXT NOT NULL,
	error     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(timestamp DESC);
`

// Logger persists entries asynchronously. Create with NewLogger, call Init
// once, Close on shutdown to drain the buffer.
type Logger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *Entry
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewLogger creates a logger with the given buffer size (256 is plenty for
// a dashboard's action rate).
func NewLogger(db *sql.DB, buffer int) *Logger {
	if buffer <= 0 {
		buffer = 256
	}
	l := &Logger{
		db:    db,
		newID: idgen.Prefixed("audit_", idgen.New),
		ch:    make(chan *Entry, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// Init creates the audit_log table.
func (l *Logger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

// Record queues an action for persistence. detail is marshalled to JSON;
// a full buffer falls back to a synchronous insert rather than dropping.
func (l *Logger) Record(action, actor string, detail any, actionErr error) {
	e := &Entry{
		ID:        l.newID(),
		Timestamp: time.Now(),
		Action:    action,
		Actor:     actor,
		Status:    "success",
	}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			e.Detail = string(b)
		}
	}
	if actionErr != nil {
		e.Status = "error"
		e.Error = actionErr.Error()
	}

	select {
	case l.ch <- e:
	default:
		slog.Warn("audit: buffer full, sync fallback", "action", action)
		if err := l.insert(context.Background(), e); err != nil {
			slog.Error("audit: sync fallback failed", "error", err)
		}
	}
}

// Recent returns the newest entries, most recent first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, timestamp, action, actor, detail, status, error
		FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Actor, &e.Detail, &e.Status, &e.Error); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes entries older than retention and returns how many went.
func (l *Logger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine. Idempotent.
func (l *Logger) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *Logger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*Entry, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, e := range batch {
			if err := l.insert(ctx, e); err != nil {
				slog.Error("audit: insert", "error", err, "id", e.ID)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *Logger) insert(ctx context.Context, e *Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, action, actor, detail, status, error)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.Timestamp.UnixMilli(), e.Action, e.Actor, e.Detail, e.Status, e.Error)
	return err
}
