package source

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/knowpool/dashd/engine"
	"github.com/knowpool/dashd/ingestq"
)

// ProbeThresholds are the per-category waiting-time thresholds. Zero fields
// take the defaults below.
type ProbeThresholds struct {
	StuckProcessing   time.Duration `yaml:"stuck_processing"`
	MissingChunks     time.Duration `yaml:"missing_chunks"`
	StuckQueue        time.Duration `yaml:"stuck_queue"`
	PendingValidation time.Duration `yaml:"pending_validation"`
}

func (t *ProbeThresholds) defaults() {
	if t.StuckProcessing <= 0 {
		t.StuckProcessing = 10 * time.Minute
	}
	if t.MissingChunks <= 0 {
		t.MissingChunks = 10 * time.Minute
	}
	if t.StuckQueue <= 0 {
		t.StuckQueue = 5 * time.Minute
	}
	if t.PendingValidation <= 0 {
		t.PendingValidation = 15 * time.Minute
	}
}

// probeTable describes how to query one pipeline store for health purposes.
type probeTable struct {
	db      *sql.DB
	source  engine.SourceID
	table   string
	nameSel string // SQL expression producing the display name

	folderCol, statusCol, errCol, timeCol string

	states map[string]statusPair

	active  []string // raw statuses meaning "processor holds it right now"
	pending []string // raw statuses meaning "waiting for validation"
	failed  []string // raw terminal-error statuses
}

func probeTables(uploads, crawls, mail *sql.DB) []probeTable {
	return []probeTable{
		{
			db: uploads, source: engine.SourceUpload, table: "uploads",
			nameSel: "file_name", folderCol: "folder", statusCol: "status",
			errCol: "error", timeCol: "created_at", states: uploadStatus,
			active: []string{"scanning"}, pending: []string{"received"}, failed: []string{"error"},
		},
		{
			db: crawls, source: engine.SourceCrawler, table: "crawl_docs",
			nameSel: "COALESCE(NULLIF(title, ''), url)", folderCol: "collection",
			statusCol: "state", errCol: "failure", timeCol: "fetched_at", states: crawlerState,
			active: []string{"parsing"}, pending: []string{"fetched"}, failed: []string{"failed"},
		},
		{
			db: mail, source: engine.SourceMailroom, table: "messages",
			nameSel: "attachment", folderCol: "mail_folder", statusCol: "stage",
			errCol: "bounce_reason", timeCol: "received_at", states: mailroomStage,
			active: []string{"extracting"}, pending: []string{"queued"}, failed: []string{"bounced"},
		},
	}
}

// Probes builds the five health categories over the three pipeline stores
// and the ingest queue.
func Probes(uploads, crawls, mail *sql.DB, q *ingestq.Queue, th ProbeThresholds) []engine.HealthProbe {
	th.defaults()
	tables := probeTables(uploads, crawls, mail)

	return []engine.HealthProbe{
		statusProbe("stuck_processing", th.StuckProcessing, tables, func(t probeTable) []string { return t.active }),
		missingChunksProbe(uploads, th.MissingChunks),
		queueProbe(q, th.StuckQueue),
		statusProbe("pending_validation", th.PendingValidation, tables, func(t probeTable) []string { return t.pending }),
		statusProbe("failed", 0, tables, func(t probeTable) []string { return t.failed }),
	}
}

// statusProbe counts and samples rows sitting in the selected raw statuses
// since before the cutoff, across all three stores.
func statusProbe(key string, threshold time.Duration, tables []probeTable, pick func(probeTable) []string) engine.HealthProbe {
	return engine.HealthProbe{
		Key:       key,
		Threshold: threshold,
		Count: func(ctx context.Context, cutoff time.Time) (int, error) {
			total := 0
			for _, t := range tables {
				cond, args := t.statusCond(pick(t), cutoff)
				var n int
				err := t.db.QueryRowContext(ctx,
					"SELECT COUNT(*) FROM "+t.table+" WHERE "+cond, args...).Scan(&n)
				if err != nil {
					return 0, fmt.Errorf("%s: %s: %w", key, t.table, err)
				}
				total += n
			}
			return total, nil
		},
		Samples: func(ctx context.Context, cutoff time.Time, limit int) ([]engine.Document, error) {
			var all []engine.Document
			for _, t := range tables {
				cond, args := t.statusCond(pick(t), cutoff)
				docs, err := t.sample(ctx, cond, args, limit)
				if err != nil {
					return nil, fmt.Errorf("%s: %s: %w", key, t.table, err)
				}
				all = append(all, docs...)
			}
			return oldestFirst(all, limit), nil
		},
	}
}

func (t probeTable) statusCond(statuses []string, cutoff time.Time) (string, []any) {
	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, cutoff.UnixMilli())
	cond := t.statusCol + " IN (" + placeholders(len(statuses)) + ") AND " + t.timeCol + " < ?"
	return cond, args
}

// sample returns matching rows oldest first.
func (t probeTable) sample(ctx context.Context, cond string, args []any, limit int) ([]engine.Document, error) {
	q := "SELECT id, " + t.nameSel + ", " + t.folderCol + ", " + t.statusCol + ", " + t.errCol + ", " + t.timeCol +
		" FROM " + t.table + " WHERE " + cond + " ORDER BY " + t.timeCol + " ASC LIMIT ?"
	rows, err := t.db.QueryContext(ctx, q, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []engine.Document
	for rows.Next() {
		var (
			d              engine.Document
			folder, errMsg sql.NullString
			status         string
			ms             int64
		)
		if err := rows.Scan(&d.ID, &d.FileName, &folder, &status, &errMsg, &ms); err != nil {
			return nil, err
		}
		d.SourceID = t.source
		d.ValidationState, d.ProcessingState = mapStatus(t.states, status)
		d.FolderPath = optional(folder)
		d.ErrorMessage = optional(errMsg)
		d.CreatedAt = time.UnixMilli(ms).UTC()
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// missingChunksProbe finds uploads marked ready whose chunk rows never
// arrived — the symptom of a chunker that died mid-write.
func missingChunksProbe(uploads *sql.DB, threshold time.Duration) engine.HealthProbe {
	const cond = `status = 'ready' AND created_at < ?
		AND NOT EXISTS (SELECT 1 FROM upload_chunks c WHERE c.upload_id = uploads.id)`

	return engine.HealthProbe{
		Key:       "missing_chunks",
		Threshold: threshold,
		Count: func(ctx context.Context, cutoff time.Time) (int, error) {
			var n int
			err := uploads.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM uploads WHERE "+cond, cutoff.UnixMilli()).Scan(&n)
			if err != nil {
				return 0, fmt.Errorf("missing_chunks: %w", err)
			}
			return n, nil
		},
		Samples: func(ctx context.Context, cutoff time.Time, limit int) ([]engine.Document, error) {
			t := probeTable{
				db: uploads, source: engine.SourceUpload, table: "uploads",
				nameSel: "file_name", folderCol: "folder", statusCol: "status",
				errCol: "error", timeCol: "created_at", states: uploadStatus,
			}
			docs, err := t.sample(ctx, cond, []any{cutoff.UnixMilli()}, limit)
			if err != nil {
				return nil, fmt.Errorf("missing_chunks: %w", err)
			}
			return docs, nil
		},
	}
}

// queueProbe reports ingest jobs that have been visible and unclaimed past
// the threshold — work the cron consumer should have picked up by now.
func queueProbe(q *ingestq.Queue, threshold time.Duration) engine.HealthProbe {
	return engine.HealthProbe{
		Key:       "stuck_queue",
		Threshold: threshold,
		Count: func(ctx context.Context, cutoff time.Time) (int, error) {
			return q.Backlog(ctx, cutoff)
		},
		Samples: func(ctx context.Context, cutoff time.Time, limit int) ([]engine.Document, error) {
			jobs, err := q.OldestBacklog(ctx, cutoff, limit)
			if err != nil {
				return nil, err
			}
			docs := make([]engine.Document, 0, len(jobs))
			for _, j := range jobs {
				docs = append(docs, engine.Document{
					ID:              j.DocumentID,
					FileName:        j.DocumentID,
					SourceID:        engine.SourceID(j.SourceID),
					ValidationState: engine.ValidationPending,
					ProcessingState: engine.ProcessingQueued,
					CreatedAt:       j.CreatedAt.UTC(),
				})
			}
			return docs, nil
		},
	}
}

// oldestFirst sorts ascending by creation time and truncates to limit.
func oldestFirst(docs []engine.Document, limit int) []engine.Document {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return strings.Compare(docs[i].ID, docs[j].ID) < 0
		}
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs
}
