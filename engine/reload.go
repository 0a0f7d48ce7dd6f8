package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// LoadFunc performs one full load cycle. It must honor ctx: a cancelled
// cycle returns context.Canceled and leaves no visible state behind.
type LoadFunc func(ctx context.Context) error

// Scheduler states, exposed for observability only — transitions happen
// exclusively inside the Run loop.
const (
	StateIdle       = "idle"
	StateDebouncing = "debouncing"
	StateLoading    = "loading"
	StateBackoff    = "backoff"
	StateCooldown   = "cooldown"
)

// ReloadScheduler turns a stream of change notifications into load cycles:
//
//	Idle → Debouncing → Loading → Idle            (success)
//	                            → Backoff → Loading (failure, ≤ MaxRetries)
//	                            → Cooldown → Idle   (retries exhausted)
//
// Notifications reset a quiet-window timer; only when the window elapses
// uninterrupted does a load start. Entering Loading cancels any
// still-running previous load, and a load finishing after cancellation is
// discarded silently — only the last non-cancelled cycle wins. Genuine
// failures retry with doubling delays, then a cooldown suppresses further
// automatic loads while still accepting (and debouncing) notifications.
type ReloadScheduler struct {
	load    LoadFunc
	clock   clockwork.Clock
	logger  *slog.Logger
	onError func(error)

	debounce    time.Duration
	maxRetries  int
	retryBase   time.Duration
	cooldown    time.Duration
	notifyEvery time.Duration

	changes chan struct{}
	force   chan struct{}

	state      atomic.Value // string
	loads      atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	retries    atomic.Int64
	discarded  atomic.Int64
	retryCount atomic.Int64

	mu         sync.Mutex
	lastErr    error
	lastNotify time.Time
}

// ReloadStats are point-in-time scheduler counters.
type ReloadStats struct {
	State      string `json:"state"`
	Loads      int64  `json:"loads"`
	Successes  int64  `json:"successes"`
	Failures   int64  `json:"failures"`
	Retries    int64  `json:"retries"`
	Discarded  int64  `json:"discarded"`
	RetryCount int64  `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

// NewReloadScheduler creates a scheduler; call Run to start it.
func NewReloadScheduler(load LoadFunc, cfg Config) *ReloadScheduler {
	cfg.defaults()
	s := &ReloadScheduler{
		load:        load,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		onError:     cfg.OnError,
		debounce:    cfg.Debounce,
		maxRetries:  cfg.MaxRetries,
		retryBase:   cfg.RetryBase,
		cooldown:    cfg.Cooldown,
		notifyEvery: cfg.NotifyEvery,
		changes:     make(chan struct{}, 1),
		force:       make(chan struct{}, 1),
	}
	s.state.Store(StateIdle)
	return s
}

// Notify reports that something changed in some source. Signals are opaque
// and coalesce: bursts collapse into a single pending event.
func (s *ReloadScheduler) Notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// ForceReload starts a load cycle immediately, bypassing the quiet window
// and any suppression. The cycle is still subject to cancellation
// discipline: it cancels and supersedes whatever load is in flight.
func (s *ReloadScheduler) ForceReload() {
	select {
	case s.force <- struct{}{}:
	default:
	}
}

// State returns the current state label.
func (s *ReloadScheduler) State() string {
	return s.state.Load().(string)
}

// Stats returns the current counters.
func (s *ReloadScheduler) Stats() ReloadStats {
	st := ReloadStats{
		State:      s.State(),
		Loads:      s.loads.Load(),
		Successes:  s.successes.Load(),
		Failures:   s.failures.Load(),
		Retries:    s.retries.Load(),
		Discarded:  s.discarded.Load(),
		RetryCount: s.retryCount.Load(),
	}
	s.mu.Lock()
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()
	return st
}

// LastError returns the most recent genuine load error, nil after a
// successful cycle.
func (s *ReloadScheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Run drives the state machine until ctx is cancelled. Cancelling ctx
// aborts any in-flight load and issues no further state updates.
func (s *ReloadScheduler) Run(ctx context.Context) {
	var (
		debounceT clockwork.Timer
		retryT    clockwork.Timer
		cooldownT clockwork.Timer

		debounceC <-chan time.Time
		retryC    <-chan time.Time
		cooldownC <-chan time.Time

		loadDone   chan error
		cancelLoad context.CancelFunc

		retryCount  int
		suppressed  bool
		pendingFire bool
	)

	stop := func(t clockwork.Timer) {
		if t != nil {
			t.Stop()
		}
	}

	armDebounce := func() {
		stop(debounceT)
		debounceT = s.clock.NewTimer(s.debounce)
		debounceC = debounceT.Chan()
	}

	startLoad := func() {
		if cancelLoad != nil {
			cancelLoad()
		}
		stop(debounceT)
		debounceC = nil
		pendingFire = false

		lctx, cancel := context.WithCancel(ctx)
		cancelLoad = cancel
		done := make(chan error, 1)
		loadDone = done

		s.state.Store(StateLoading)
		s.loads.Add(1)
		go func() { done <- s.load(lctx) }()
	}

	s.logger.Info("reload: scheduler started",
		"debounce", s.debounce, "max_retries", s.maxRetries, "cooldown", s.cooldown)

	for {
		select {
		case <-ctx.Done():
			if cancelLoad != nil {
				cancelLoad()
			}
			stop(debounceT)
			stop(retryT)
			stop(cooldownT)
			s.logger.Info("reload: scheduler stopped")
			return

		case <-s.changes:
			// Every notification resets the quiet window, in every state.
			// Suppression is enforced when the window elapses, not here.
			armDebounce()
			if s.State() == StateIdle {
				s.state.Store(StateDebouncing)
			}

		case <-s.force:
			stop(retryT)
			retryC = nil
			startLoad()

		case <-debounceC:
			debounceC = nil
			if suppressed {
				pendingFire = true
				continue
			}
			startLoad()

		case <-retryC:
			retryC = nil
			s.retries.Add(1)
			startLoad()

		case <-cooldownC:
			cooldownC = nil
			retryCount = 0
			s.retryCount.Store(0)
			suppressed = false
			s.logger.Info("reload: cooldown over")
			if pendingFire {
				startLoad()
			} else {
				s.state.Store(StateIdle)
			}

		case err := <-loadDone:
			loadDone = nil
			if cancelLoad != nil {
				cancelLoad()
				cancelLoad = nil
			}

			switch {
			case err == nil:
				s.successes.Add(1)
				retryCount = 0
				s.retryCount.Store(0)
				suppressed = false
				stop(retryT)
				retryC = nil
				stop(cooldownT)
				cooldownC = nil
				s.mu.Lock()
				s.lastErr = nil
				s.mu.Unlock()
				if debounceC != nil {
					s.state.Store(StateDebouncing)
				} else {
					s.state.Store(StateIdle)
				}

			case errors.Is(err, context.Canceled):
				// Superseded or torn down — discard silently.
				s.discarded.Add(1)

			default:
				s.failures.Add(1)
				s.mu.Lock()
				s.lastErr = err
				s.mu.Unlock()
				s.notifyThrottled(err)

				retryCount++
				s.retryCount.Store(int64(retryCount))
				suppressed = true

				if retryCount <= s.maxRetries {
					delay := s.retryBase << (retryCount - 1)
					stop(retryT)
					retryT = s.clock.NewTimer(delay)
					retryC = retryT.Chan()
					s.state.Store(StateBackoff)
					s.logger.Warn("reload: load failed, retrying",
						"error", err, "attempt", retryCount, "delay", delay)
				} else {
					stop(cooldownT)
					cooldownT = s.clock.NewTimer(s.cooldown)
					cooldownC = cooldownT.Chan()
					s.state.Store(StateCooldown)
					s.logger.Warn("reload: retries exhausted, cooling down",
						"error", err, "cooldown", s.cooldown)
				}
			}
		}
	}
}

// notifyThrottled forwards err to the user-facing hook at most once per
// notifyEvery, independent of retry cadence.
func (s *ReloadScheduler) notifyThrottled(err error) {
	if s.onError == nil {
		return
	}
	now := s.clock.Now()
	s.mu.Lock()
	ok := s.lastNotify.IsZero() || now.Sub(s.lastNotify) >= s.notifyEvery
	if ok {
		s.lastNotify = now
	}
	s.mu.Unlock()
	if ok {
		s.onError(err)
	}
}
