package engine

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config tunes the engine. The zero value is usable: defaults() fills in
// production settings.
type Config struct {
	// PageSize is the nominal per-source page window. The merged page is
	// approximate: it may exceed or fall short of PageSize when sources
	// are unevenly distributed. Default: 50.
	PageSize int `yaml:"page_size" json:"page_size"`

	// SourceTimeout is the wall-clock timeout applied to each individual
	// source call, distinct from cancellation. Default: 10s.
	SourceTimeout time.Duration `yaml:"source_timeout" json:"source_timeout"`

	// Debounce is the quiet window after a change notification before a
	// load cycle starts. Default: 2s.
	Debounce time.Duration `yaml:"debounce" json:"debounce"`

	// MaxRetries bounds automatic retries after a failed load. Default: 3.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// RetryBase is the first retry delay; each further retry doubles it
	// (base, 2×base, 4×base). Default: 1s.
	RetryBase time.Duration `yaml:"retry_base" json:"retry_base"`

	// Cooldown is how long automatic retries stay suppressed once
	// MaxRetries is exhausted. Default: 30s.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// FallbackPoll is the safety-net interval at which the bridge emits a
	// change signal even when no feed fired. Default: 30s.
	FallbackPoll time.Duration `yaml:"fallback_poll" json:"fallback_poll"`

	// NotifyEvery throttles user-facing error notifications, independent
	// of retry cadence. Default: 10s.
	NotifyEvery time.Duration `yaml:"notify_every" json:"notify_every"`

	// Logger overrides the default slog logger.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// Clock drives every timer in the engine. Default: the real clock.
	Clock clockwork.Clock `yaml:"-" json:"-"`

	// OnError receives throttled, user-facing load errors (the toast
	// hook). Optional.
	OnError func(error) `yaml:"-" json:"-"`
}

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 10 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.FallbackPoll <= 0 {
		c.FallbackPoll = 30 * time.Second
	}
	if c.NotifyEvery <= 0 {
		c.NotifyEvery = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}
