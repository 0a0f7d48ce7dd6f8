package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Bridge fans change notifications from every pipeline feed into the
// reload scheduler, plus a fixed-interval fallback tick as a safety net
// against missed notifications. Payloads are never inspected: every event
// is forwarded as an opaque "something changed" signal.
type Bridge struct {
	feeds    []ChangeFeed
	interval time.Duration
	notify   func()
	clock    clockwork.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	unsubs  []func()
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// NewBridge creates a bridge delivering to notify.
func NewBridge(feeds []ChangeFeed, cfg Config, notify func()) *Bridge {
	cfg.defaults()
	return &Bridge{
		feeds:    feeds,
		interval: cfg.FallbackPoll,
		notify:   notify,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Start subscribes to every feed and starts the fallback ticker. A feed
// that refuses to subscribe is logged and skipped; the fallback tick keeps
// its sources eventually consistent.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true

	for i, f := range b.feeds {
		unsub, err := f.SubscribeChanges(b.notify)
		if err != nil {
			b.logger.Warn("bridge: subscribe failed, relying on fallback poll", "feed", i, "error", err)
			continue
		}
		b.unsubs = append(b.unsubs, unsub)
	}

	tctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.tick(tctx)

	b.logger.Info("bridge: started", "feeds", len(b.feeds), "fallback", b.interval)
}

func (b *Bridge) tick(ctx context.Context) {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			b.notify()
		}
	}
}

// Close unsubscribes every feed and cancels the fallback ticker. Idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	if b.cancel != nil {
		b.cancel()
	}
	b.logger.Info("bridge: closed")
}
