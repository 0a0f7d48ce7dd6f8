package engine

import "errors"

// ErrSourceUnavailable is returned when a pipeline's underlying query fails.
// It is retryable: the reload scheduler backs off and retries the full cycle.
var ErrSourceUnavailable = errors.New("engine: source unavailable")

// ErrTimeout is returned when a single source call exceeds the per-call
// wall-clock timeout. Retryable, same path as ErrSourceUnavailable.
var ErrTimeout = errors.New("engine: source timed out")

// ErrClosed is returned by operations on an engine after Close.
var ErrClosed = errors.New("engine: closed")

// ErrNoPurger is returned by DeleteDocuments when no storage collaborator
// was wired in.
var ErrNoPurger = errors.New("engine: no purger configured")
