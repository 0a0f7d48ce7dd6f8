package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/knowpool/dashd/engine"
)

// CrawlerSchema is the web-crawler pipeline store (crawl.db). The crawler
// files documents under a collection path; title is best-effort and may be
// empty until parsing finishes.
const CrawlerSchema = `
CREATE TABLE IF NOT EXISTS crawl_docs (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	title      TEXT,
	collection TEXT,
	state      TEXT NOT NULL DEFAULT 'fetched',
	failure    TEXT,
	fetched_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_crawl_fetched ON crawl_docs(fetched_at DESC);
CREATE INDEX IF NOT EXISTS idx_crawl_state ON crawl_docs(state);
`

var crawlerState = map[string]statusPair{
	"fetched": {engine.ValidationPending, engine.ProcessingQueued},
	"parsing": {engine.ValidationPending, engine.ProcessingActive},
	"parsed":  {engine.ValidationValidated, engine.ProcessingReady},
	"failed":  {engine.ValidationPending, engine.ProcessingFailed},
}

// CrawlerSource adapts the web-crawler pipeline.
type CrawlerSource struct {
	db   *sql.DB
	feed *changeFeed
}

// NewCrawlerSource wraps an open crawl database.
func NewCrawlerSource(db *sql.DB, opts Options) *CrawlerSource {
	opts.defaults()
	return &CrawlerSource{
		db:   db,
		feed: newChangeFeed(db, opts.FeedInterval, opts.Logger.With("source", engine.SourceCrawler)),
	}
}

func (s *CrawlerSource) ID() engine.SourceID { return engine.SourceCrawler }

func (s *CrawlerSource) SubscribeChanges(notify func()) (func(), error) {
	return s.feed.subscribe(notify), nil
}

func (s *CrawlerSource) Count(ctx context.Context, f engine.Filter) (int, error) {
	where, args := filterClause(f, "collection", "COALESCE(NULLIF(title, ''), url)")
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM crawl_docs"+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("crawl_docs: count: %w", err)
	}
	return n, nil
}

func (s *CrawlerSource) FetchRange(ctx context.Context, f engine.Filter, offset, limit int) ([]engine.Document, error) {
	where, args := filterClause(f, "collection", "COALESCE(NULLIF(title, ''), url)")
	q := "SELECT id, url, title, collection, state, failure, fetched_at FROM crawl_docs" +
		where + " ORDER BY fetched_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("crawl_docs: fetch: %w", err)
	}
	defer rows.Close()

	var docs []engine.Document
	for rows.Next() {
		var (
			d                          engine.Document
			url                        string
			title, collection, failure sql.NullString
			state                      string
			fetchedMs                  int64
		)
		if err := rows.Scan(&d.ID, &url, &title, &collection, &state, &failure, &fetchedMs); err != nil {
			return nil, fmt.Errorf("crawl_docs: scan: %w", err)
		}
		d.SourceID = engine.SourceCrawler
		d.FileName = url
		if title.Valid && title.String != "" {
			d.FileName = title.String
		}
		d.ValidationState, d.ProcessingState = mapStatus(crawlerState, state)
		d.FolderPath = optional(collection)
		d.ErrorMessage = optional(failure)
		d.CreatedAt = time.UnixMilli(fetchedMs).UTC()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crawl_docs: fetch: %w", err)
	}
	return docs, nil
}
