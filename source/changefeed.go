// Package source contains the pipeline adapters: one per ingestion backend,
// each normalizing its own schema and status vocabulary onto the shared
// engine.Document shape, plus the stores the dashboard reads alongside them
// (declared folders, bulk deletion, health probes).
package source

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// detector reads a version token from a database. Two calls returning
// different values mean "something changed". int64 maps naturally onto
// PRAGMA data_version, PRAGMA user_version, or MAX(updated_at).
type detector func(ctx context.Context, db *sql.DB) (int64, error)

// dataVersion uses PRAGMA data_version, which increments whenever another
// connection writes the same database file — exactly the cross-process
// signal the dashboard needs, since the ingesters write from their own
// processes.
func dataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// userVersion uses PRAGMA user_version, an application-controlled integer.
// Deterministic, so tests drive it directly.
func userVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// changeFeed polls a pipeline database for writes and invokes the
// subscriber on every observed change. Debouncing is not its job — the
// reload scheduler owns the quiet window — so it forwards every edge.
type changeFeed struct {
	db       *sql.DB
	interval time.Duration
	detect   detector
	logger   *slog.Logger
}

func newChangeFeed(db *sql.DB, interval time.Duration, logger *slog.Logger) *changeFeed {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &changeFeed{db: db, interval: interval, detect: dataVersion, logger: logger}
}

// subscribe starts the polling goroutine. The returned function stops it;
// calling it more than once is safe.
func (f *changeFeed) subscribe(notify func()) func() {
	stop := make(chan struct{})
	go f.poll(stop, notify)

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}
}

func (f *changeFeed) poll(stop <-chan struct{}, notify func()) {
	ctx := context.Background()

	last, err := f.detect(ctx, f.db)
	if err != nil {
		f.logger.Warn("changefeed: initial version check failed", "error", err)
		last = -1
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cur, err := f.detect(ctx, f.db)
			if err != nil {
				f.logger.Warn("changefeed: version check failed", "error", err)
				continue
			}
			if cur != last {
				last = cur
				notify()
			}
		}
	}
}
