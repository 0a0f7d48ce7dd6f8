package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// snapshot is the view state built by one load cycle. It is swapped in
// wholesale and never patched: readers either see the previous snapshot or
// the complete new one.
type snapshot struct {
	PageIndex int
	Page      Page
	Forest    []*FolderNode
	Unfiled   []Document
	Health    []HealthCategory
	LoadedAt  time.Time
}

// Deps are the collaborators an Engine is built from.
type Deps struct {
	// Sources are the pipeline adapters, one per ingestion backend.
	Sources []Source
	// ExtraFeeds are change feeds beyond the sources' own (e.g. a watched
	// drop directory).
	ExtraFeeds []ChangeFeed
	// Folders lists declared folder paths. Optional.
	Folders FolderLister
	// Probes define the health categories to scan.
	Probes []HealthProbe
	// Purger performs confirmed bulk deletion. Optional.
	Purger Purger
}

// Engine is the aggregation core. It owns the load-cycle lifecycle; the
// view layer owns whatever snapshots it hands out.
type Engine struct {
	cfg     Config
	merger  *Merger
	scanner *HealthScanner
	folders FolderLister
	purger  Purger
	sched   *ReloadScheduler
	bridge  *Bridge

	genSeq atomic.Uint64

	mu         sync.Mutex
	snap       *snapshot
	appliedGen uint64
	cycleSeq   uint64
	cycleDone  chan struct{}
	lastErr    error
	pageIndex  int
	started    bool
	closed     bool
	cancel     context.CancelFunc
}

// New assembles an Engine. Call Start to begin loading.
func New(cfg Config, deps Deps) *Engine {
	cfg.defaults()

	e := &Engine{
		cfg:       cfg,
		folders:   deps.Folders,
		purger:    deps.Purger,
		cycleDone: make(chan struct{}),
	}
	e.merger = NewMerger(deps.Sources, cfg.SourceTimeout, cfg.Logger)
	e.scanner = NewHealthScanner(deps.Probes, cfg.Logger)
	e.sched = NewReloadScheduler(e.loadCycle, cfg)

	feeds := make([]ChangeFeed, 0, len(deps.Sources)+len(deps.ExtraFeeds))
	for _, s := range deps.Sources {
		feeds = append(feeds, s)
	}
	feeds = append(feeds, deps.ExtraFeeds...)
	e.bridge = NewBridge(feeds, cfg, e.sched.Notify)

	return e
}

// Start launches the scheduler and bridge and kicks off the initial load.
// The engine stops when ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	rctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	go e.sched.Run(rctx)
	e.bridge.Start(rctx)
	e.sched.ForceReload()
}

// Close tears the engine down: unsubscribes every change feed, stops the
// fallback ticker, and aborts any in-flight load. No state update is
// issued afterwards. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	e.bridge.Close()
	if cancel != nil {
		cancel()
	}
	e.cfg.Logger.Info("engine: closed")
}

// loadCycle is the scheduler's LoadFunc: it rebuilds the merged page, the
// folder forest, the unfiled bucket and the health snapshot from scratch,
// then swaps them in atomically. A cycle whose context was cancelled
// applies nothing.
func (e *Engine) loadCycle(ctx context.Context) error {
	gen := e.genSeq.Add(1)

	e.mu.Lock()
	pageIdx := e.pageIndex
	e.mu.Unlock()

	page, err := e.merger.Merge(ctx, pageIdx, e.cfg.PageSize, Filter{})
	if err != nil {
		return e.finishCycle(ctx, gen, nil, err)
	}

	all, err := e.merger.FetchAll(ctx)
	if err != nil {
		return e.finishCycle(ctx, gen, nil, err)
	}

	var declared []string
	if e.folders != nil {
		declared, err = e.folders.ListFolders(ctx)
		if err != nil {
			return e.finishCycle(ctx, gen, nil, fmt.Errorf("declared folders: %w: %v", ErrSourceUnavailable, err))
		}
	}

	health, err := e.scanner.Scan(ctx)
	if err != nil {
		return e.finishCycle(ctx, gen, nil, err)
	}

	snap := &snapshot{
		PageIndex: pageIdx,
		Page:      page,
		Forest:    BuildForest(all, declared),
		Unfiled:   Unfiled(all),
		Health:    health,
		LoadedAt:  e.cfg.Clock.Now(),
	}
	return e.finishCycle(ctx, gen, snap, nil)
}

// finishCycle applies the cycle outcome under the engine lock. Cancelled
// cycles are discarded without touching view state or waking waiters; the
// last successful snapshot stays visible while failures are retried.
func (e *Engine) finishCycle(ctx context.Context, gen uint64, snap *snapshot, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err != nil {
		e.lastErr = err
		e.bumpCycleLocked()
		return err
	}
	if gen < e.appliedGen {
		// A newer cycle already applied its snapshot.
		return context.Canceled
	}

	e.appliedGen = gen
	e.snap = snap
	e.lastErr = nil
	e.bumpCycleLocked()
	return nil
}

func (e *Engine) bumpCycleLocked() {
	e.cycleSeq++
	close(e.cycleDone)
	e.cycleDone = make(chan struct{})
}

// MergedPage returns the requested page of the cross-source view. The
// current snapshot is served directly; navigating to a different page
// forces a fresh cycle and waits for it (bounded by ctx).
func (e *Engine) MergedPage(ctx context.Context, pageIndex int) (Page, error) {
	if pageIndex < 0 {
		pageIndex = 0
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Page{}, ErrClosed
	}
	if e.snap != nil && e.snap.PageIndex == pageIndex {
		p := e.snap.Page
		e.mu.Unlock()
		return p, nil
	}
	e.pageIndex = pageIndex
	startSeq := e.cycleSeq
	ch := e.cycleDone
	e.mu.Unlock()

	e.sched.ForceReload()

	for {
		select {
		case <-ctx.Done():
			return Page{}, ctx.Err()
		case <-ch:
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return Page{}, ErrClosed
		}
		if e.snap != nil && e.snap.PageIndex == pageIndex {
			p := e.snap.Page
			e.mu.Unlock()
			return p, nil
		}
		if e.cycleSeq > startSeq && e.lastErr != nil {
			err := e.lastErr
			e.mu.Unlock()
			return Page{}, err
		}
		ch = e.cycleDone
		e.mu.Unlock()
	}
}

// FolderForest returns the folder forest from the last successful cycle.
func (e *Engine) FolderForest() []*FolderNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snap == nil {
		return []*FolderNode{}
	}
	return e.snap.Forest
}

// UnfiledDocuments returns the documents with no folder path, newest first.
func (e *Engine) UnfiledDocuments() []Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snap == nil {
		return []Document{}
	}
	return e.snap.Unfiled
}

// HealthSnapshot returns the health categories from the last successful cycle.
func (e *Engine) HealthSnapshot() []HealthCategory {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snap == nil {
		return []HealthCategory{}
	}
	return e.snap.Health
}

// ForceReload starts a load cycle immediately, bypassing the quiet window.
func (e *Engine) ForceReload() {
	e.sched.ForceReload()
}

// DeleteDocuments asks the storage collaborator to delete the given ids,
// then signals a change so the view refreshes. The engine itself never
// deletes anything; callers confirm with the user first.
func (e *Engine) DeleteDocuments(ctx context.Context, ids []string) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	purger := e.purger
	e.mu.Unlock()

	if purger == nil {
		return 0, ErrNoPurger
	}
	n, err := purger.DeleteByIDs(ctx, ids)
	if err != nil {
		return n, err
	}
	e.sched.Notify()
	return n, nil
}

// Stats are point-in-time engine counters for the stats endpoint.
type Stats struct {
	Reload       ReloadStats `json:"reload"`
	PageIndex    int         `json:"page_index"`
	TotalCount   int         `json:"total_count"`
	LastLoadedAt time.Time   `json:"last_loaded_at"`
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	st := Stats{Reload: e.sched.Stats()}
	e.mu.Lock()
	st.PageIndex = e.pageIndex
	if e.snap != nil {
		st.TotalCount = e.snap.Page.TotalCount
		st.LastLoadedAt = e.snap.LoadedAt
	}
	e.mu.Unlock()
	return st
}
