package engine

import "context"

// ChangeFeed delivers opaque "something changed" signals. Implementations
// spawn whatever goroutine they need on subscribe; the returned function
// stops delivery and releases resources. Safe to call exactly once.
type ChangeFeed interface {
	SubscribeChanges(notify func()) (unsubscribe func(), err error)
}

// Source is the capability interface one pipeline adapter exposes.
//
// Adapters normalize their pipeline's records into the shared Document
// shape, substituting defaults for missing optional fields rather than
// failing. A failing underlying query surfaces as an error wrapped in
// ErrSourceUnavailable; adapters must honor ctx cancellation before
// returning.
type Source interface {
	ChangeFeed

	// ID names the pipeline this adapter fronts.
	ID() SourceID

	// Count returns the number of documents matching the filter.
	Count(ctx context.Context, f Filter) (int, error)

	// FetchRange returns up to limit documents matching the filter,
	// ordered newest-first, starting at offset within this source's own
	// ordering.
	FetchRange(ctx context.Context, f Filter, offset, limit int) ([]Document, error)
}

// FolderLister supplies the declared folder paths (folders created
// explicitly in the dashboard, possibly holding no documents yet).
type FolderLister interface {
	ListFolders(ctx context.Context) ([]string, error)
}

// Purger is the storage collaborator that performs bulk deletion. The
// engine only ever calls it on explicit, already-confirmed user request;
// it never deletes on its own.
type Purger interface {
	DeleteByIDs(ctx context.Context, ids []string) (int, error)
}
