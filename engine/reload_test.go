package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startScheduler(t *testing.T, cfg Config, load LoadFunc) *ReloadScheduler {
	t.Helper()
	s := NewReloadScheduler(load, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDebounceCoalescesBurst(t *testing.T) {
	var loads atomic.Int64
	s := startScheduler(t, Config{Debounce: 50 * time.Millisecond}, func(ctx context.Context) error {
		loads.Add(1)
		return nil
	})

	for i := 0; i < 5; i++ {
		s.Notify()
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool { return loads.Load() == 1 }, "load never fired")
	time.Sleep(150 * time.Millisecond)
	if n := loads.Load(); n != 1 {
		t.Fatalf("burst must coalesce into one load, got %d", n)
	}
}

func TestNotifyResetsQuietWindow(t *testing.T) {
	var mu sync.Mutex
	var fired time.Time
	s := startScheduler(t, Config{Debounce: 60 * time.Millisecond}, func(ctx context.Context) error {
		mu.Lock()
		fired = time.Now()
		mu.Unlock()
		return nil
	})

	start := time.Now()
	s.Notify()
	time.Sleep(40 * time.Millisecond)
	s.Notify() // resets the window: earliest fire is now 40+60 ms after start

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !fired.IsZero()
	}, "load never fired")

	mu.Lock()
	elapsed := fired.Sub(start)
	mu.Unlock()
	if elapsed < 90*time.Millisecond {
		t.Fatalf("window did not reset: fired after %v", elapsed)
	}
}

func TestForceBypassesDebounce(t *testing.T) {
	var loads atomic.Int64
	s := startScheduler(t, Config{Debounce: time.Hour}, func(ctx context.Context) error {
		loads.Add(1)
		return nil
	})

	s.ForceReload()
	waitFor(t, 2*time.Second, func() bool { return loads.Load() == 1 }, "forced load never fired")
}

func TestRetryBackoffThenCooldown(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time
	s := startScheduler(t, Config{
		Debounce:   10 * time.Millisecond,
		RetryBase:  30 * time.Millisecond,
		MaxRetries: 2,
		Cooldown:   80 * time.Millisecond,
	}, func(ctx context.Context) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return errors.New("backend down")
	})

	s.Notify()

	// Initial attempt plus 2 retries, then the scheduler gives up.
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, "expected 3 attempts")

	mu.Lock()
	gap1 := attempts[1].Sub(attempts[0])
	gap2 := attempts[2].Sub(attempts[1])
	mu.Unlock()
	if gap1 < 20*time.Millisecond {
		t.Fatalf("first retry too early: %v", gap1)
	}
	if gap2 < 50*time.Millisecond {
		t.Fatalf("second retry must double the delay: %v", gap2)
	}

	waitFor(t, time.Second, func() bool { return s.State() == StateCooldown }, "expected cooldown state")

	// No automatic attempts during cooldown.
	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	n := len(attempts)
	mu.Unlock()
	if n != 3 {
		t.Fatalf("attempt during cooldown: %d", n)
	}

	// Cooldown over with nothing pending: back to idle, retry count reset.
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateIdle }, "never returned to idle")
	if st := s.Stats(); st.RetryCount != 0 {
		t.Fatalf("retry count must reset after cooldown: %d", st.RetryCount)
	}
	if st := s.Stats(); st.Failures != 3 || st.Retries != 2 {
		t.Fatalf("unexpected counters: %+v", st)
	}
}

func TestSuppressedChangeFiresAfterCooldown(t *testing.T) {
	var attempts atomic.Int64
	s := startScheduler(t, Config{
		Debounce:   10 * time.Millisecond,
		RetryBase:  20 * time.Millisecond,
		MaxRetries: 1,
		Cooldown:   150 * time.Millisecond,
	}, func(ctx context.Context) error {
		if attempts.Add(1) <= 2 {
			return errors.New("still down")
		}
		return nil
	})

	s.Notify()
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateCooldown }, "never reached cooldown")

	// A change arriving during cooldown is debounced but not loaded until
	// the cooldown expires.
	before := attempts.Load()
	s.Notify()
	time.Sleep(60 * time.Millisecond)
	if attempts.Load() != before {
		t.Fatal("load fired while suppressed")
	}

	waitFor(t, 2*time.Second, func() bool { return attempts.Load() == before+1 },
		"pending change never fired after cooldown")
	waitFor(t, time.Second, func() bool { return s.LastError() == nil }, "error not cleared after success")
}

func TestStaleLoadDiscarded(t *testing.T) {
	var started atomic.Int64
	s := startScheduler(t, Config{Debounce: 10 * time.Millisecond}, func(ctx context.Context) error {
		started.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	s.ForceReload()
	waitFor(t, 2*time.Second, func() bool { return started.Load() == 1 }, "first load never started")

	// A second load supersedes the first; the first's result is discarded
	// without counting as a failure.
	s.ForceReload()
	waitFor(t, 2*time.Second, func() bool { return s.Stats().Discarded >= 1 }, "stale load not discarded")
	if st := s.Stats(); st.Failures != 0 {
		t.Fatalf("cancelled load must not count as failure: %+v", st)
	}
	if s.LastError() != nil {
		t.Fatalf("cancelled load must not set the last error: %v", s.LastError())
	}
}

func TestErrorNotificationsThrottled(t *testing.T) {
	var notified atomic.Int64
	s := startScheduler(t, Config{
		Debounce:    10 * time.Millisecond,
		RetryBase:   10 * time.Millisecond,
		MaxRetries:  3,
		Cooldown:    time.Hour,
		NotifyEvery: time.Hour,
		OnError:     func(error) { notified.Add(1) },
	}, func(ctx context.Context) error {
		return errors.New("persistent failure")
	})

	s.Notify()
	waitFor(t, 3*time.Second, func() bool { return s.Stats().Failures >= 4 }, "retries never exhausted")

	// Four failures in quick succession, one user-facing notification.
	if n := notified.Load(); n != 1 {
		t.Fatalf("expected 1 notification, got %d", n)
	}
}

func TestSuccessClearsError(t *testing.T) {
	fail := atomic.Bool{}
	fail.Store(true)
	s := startScheduler(t, Config{
		Debounce:  10 * time.Millisecond,
		RetryBase: 10 * time.Millisecond,
	}, func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("transient")
		}
		return nil
	})

	s.Notify()
	waitFor(t, 2*time.Second, func() bool { return s.LastError() != nil }, "failure never recorded")

	fail.Store(false)
	waitFor(t, 2*time.Second, func() bool { return s.Stats().Successes >= 1 }, "retry never succeeded")
	if err := s.LastError(); err != nil {
		t.Fatalf("error not cleared: %v", err)
	}
	waitFor(t, time.Second, func() bool { return s.State() == StateIdle }, "not idle after success")
}
