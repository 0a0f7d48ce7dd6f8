package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MaxHealthSamples caps the per-category sample list. Counts always reflect
// the true total even when the sample is truncated.
const MaxHealthSamples = 10

// HealthCategory is one named failure mode with its current backlog.
// Recomputed every cycle; stale values are never persisted.
type HealthCategory struct {
	Key string `json:"key"`
	// Count is the true total of matching items.
	Count int `json:"count"`
	// SampleItems holds at most MaxHealthSamples items, oldest first —
	// the items waiting longest are the most actionable.
	SampleItems      []Document `json:"sample_items"`
	ThresholdMinutes int        `json:"threshold_minutes"`
}

// HealthProbe defines one category: a time threshold and the two
// independent queries (count and bounded samples) that measure it. The
// cutoff passed to both is now minus the threshold: items created before
// the cutoff have been waiting too long.
type HealthProbe struct {
	Key       string
	Threshold time.Duration
	Count     func(ctx context.Context, cutoff time.Time) (int, error)
	Samples   func(ctx context.Context, cutoff time.Time, limit int) ([]Document, error)
}

// HealthScanner runs every probe and folds the results, degrading failed
// categories to zero instead of failing the whole scan.
type HealthScanner struct {
	probes []HealthProbe
	logger *slog.Logger
	now    func() time.Time
}

// NewHealthScanner creates a scanner over the given probes.
func NewHealthScanner(probes []HealthProbe, logger *slog.Logger) *HealthScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthScanner{probes: probes, logger: logger, now: time.Now}
}

// Scan evaluates all categories in parallel. A failure in one category
// logs and degrades that category to count=0 with no samples; it never
// aborts the others. The only error returned is ctx's, so a cancelled
// cycle can discard the partial scan.
func (s *HealthScanner) Scan(ctx context.Context) ([]HealthCategory, error) {
	out := make([]HealthCategory, len(s.probes))

	var wg sync.WaitGroup
	for i, p := range s.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = s.run(ctx, p)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HealthScanner) run(ctx context.Context, p HealthProbe) HealthCategory {
	cat := HealthCategory{
		Key:              p.Key,
		SampleItems:      []Document{},
		ThresholdMinutes: int(p.Threshold.Minutes()),
	}
	cutoff := s.now().Add(-p.Threshold)

	count, err := p.Count(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("health: category degraded", "category", p.Key, "error", err)
		}
		return cat
	}
	samples, err := p.Samples(ctx, cutoff, MaxHealthSamples)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("health: category degraded", "category", p.Key, "error", err)
		}
		return cat
	}
	if samples == nil {
		samples = []Document{}
	}

	cat.Count = count
	cat.SampleItems = samples
	return cat
}
