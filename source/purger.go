package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Purger deletes documents by id across every pipeline store. It is only
// ever invoked on explicit, already-confirmed user request; ids that match
// nothing are silently skipped so one call can mix ids from all pipelines.
type Purger struct {
	uploads *sql.DB
	crawls  *sql.DB
	mail    *sql.DB
}

// NewPurger wraps the three open pipeline databases.
func NewPurger(uploads, crawls, mail *sql.DB) *Purger {
	return &Purger{uploads: uploads, crawls: crawls, mail: mail}
}

// DeleteByIDs removes the given documents wherever they live and returns
// the number of documents actually deleted.
func (p *Purger) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ph := placeholders(len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	// Chunks first so an interrupted purge never orphans them.
	if _, err := p.uploads.ExecContext(ctx,
		"DELETE FROM upload_chunks WHERE upload_id IN ("+ph+")", args...); err != nil {
		return 0, fmt.Errorf("purge: upload_chunks: %w", err)
	}

	total := 0
	for _, t := range []struct {
		db    *sql.DB
		table string
	}{
		{p.uploads, "uploads"},
		{p.crawls, "crawl_docs"},
		{p.mail, "messages"},
	} {
		res, err := t.db.ExecContext(ctx, "DELETE FROM "+t.table+" WHERE id IN ("+ph+")", args...)
		if err != nil {
			return total, fmt.Errorf("purge: %s: %w", t.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("purge: %s: %w", t.table, err)
		}
		total += int(n)
	}
	return total, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
