package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBridgeForwardsFeedSignals(t *testing.T) {
	var notified atomic.Int64
	src := newFakeSource(SourceUpload)
	b := NewBridge([]ChangeFeed{src}, Config{FallbackPoll: time.Hour}, func() { notified.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	src.fire()
	if notified.Load() != 1 {
		t.Fatalf("expected 1 notification, got %d", notified.Load())
	}
}

func TestBridgeFallbackTick(t *testing.T) {
	var notified atomic.Int64
	b := NewBridge(nil, Config{FallbackPoll: 20 * time.Millisecond}, func() { notified.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	waitFor(t, 2*time.Second, func() bool { return notified.Load() >= 2 }, "fallback tick never fired")
}

func TestBridgeSubscribeFailureFallsBack(t *testing.T) {
	var notified atomic.Int64
	bad := newFakeSource(SourceCrawler)
	bad.subscribeErr = errors.New("feed broken")

	b := NewBridge([]ChangeFeed{bad}, Config{FallbackPoll: 20 * time.Millisecond}, func() { notified.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	// The broken feed is skipped; the fallback tick still covers it.
	waitFor(t, 2*time.Second, func() bool { return notified.Load() >= 1 }, "fallback never covered broken feed")
}

func TestBridgeCloseUnsubscribes(t *testing.T) {
	src := newFakeSource(SourceUpload)
	b := NewBridge([]ChangeFeed{src}, Config{FallbackPoll: time.Hour}, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	b.Close()
	b.Close() // idempotent

	src.mu.Lock()
	unsubs := src.unsubCalls
	src.mu.Unlock()
	if unsubs != 1 {
		t.Fatalf("expected exactly one unsubscribe, got %d", unsubs)
	}
}
