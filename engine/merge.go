package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Merger unions the documents of all pipeline adapters into one paginated,
// recency-sorted view.
type Merger struct {
	sources []Source
	timeout time.Duration
	logger  *slog.Logger
}

// NewMerger creates a Merger. timeout is the per-call wall-clock limit
// applied to every count and fetch query.
func NewMerger(sources []Source, timeout time.Duration, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{sources: sources, timeout: timeout, logger: logger}
}

// Merge returns one page of the cross-source union.
//
// Every source answers one count query and one ranged fetch, all in
// parallel under a shared cancellation context: the first failure aborts
// the siblings and fails the whole merge (callers retry the full cycle,
// never consume partial results).
//
// Pagination is approximate by design: each source contributes up to
// pageSize items from its own offset window, so the merged page may exceed
// or fall short of pageSize when sources are unevenly distributed.
// TotalCount is always exact.
func (m *Merger) Merge(ctx context.Context, pageIndex, pageSize int, f Filter) (Page, error) {
	if pageIndex < 0 {
		pageIndex = 0
	}
	offset := pageIndex * pageSize

	counts := make([]int, len(m.sources))
	batches := make([][]Document, len(m.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range m.sources {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, m.timeout)
			defer cancel()
			n, err := src.Count(cctx, f)
			if err != nil {
				return m.classify(gctx, src.ID(), err)
			}
			counts[i] = n
			return nil
		})
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, m.timeout)
			defer cancel()
			items, err := src.FetchRange(cctx, f, offset, pageSize)
			if err != nil {
				return m.classify(gctx, src.ID(), err)
			}
			batches[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Page{}, err
	}

	total := 0
	size := 0
	for i := range m.sources {
		total += counts[i]
		size += len(batches[i])
	}

	items := make([]Document, 0, size)
	for _, b := range batches {
		items = append(items, b...)
	}
	sort.SliceStable(items, func(a, b int) bool {
		return items[a].CreatedAt.After(items[b].CreatedAt)
	})

	return Page{Items: items, TotalCount: total}, nil
}

// FetchAll gathers every document from every source (no page window), for
// the folder forest and unfiled bucket. Same fail-fast and cancellation
// semantics as Merge.
func (m *Merger) FetchAll(ctx context.Context) ([]Document, error) {
	batches := make([][]Document, len(m.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range m.sources {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, m.timeout)
			defer cancel()
			n, err := src.Count(cctx, Filter{})
			if err != nil {
				return m.classify(gctx, src.ID(), err)
			}
			cancel()

			cctx, cancel = context.WithTimeout(gctx, m.timeout)
			defer cancel()
			items, err := src.FetchRange(cctx, Filter{}, 0, n)
			if err != nil {
				return m.classify(gctx, src.ID(), err)
			}
			batches[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Document
	for _, b := range batches {
		all = append(all, b...)
	}
	return all, nil
}

// classify maps a raw source error onto the engine taxonomy. Cancellation
// of the surrounding cycle passes through untouched so callers can discard
// it silently; a per-call deadline becomes ErrTimeout; everything else is
// ErrSourceUnavailable.
func (m *Merger) classify(ctx context.Context, id SourceID, err error) error {
	switch {
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("source %s: %w", id, ErrTimeout)
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrSourceUnavailable):
		return fmt.Errorf("source %s: %w", id, err)
	default:
		return fmt.Errorf("source %s: %w: %v", id, ErrSourceUnavailable, err)
	}
}
