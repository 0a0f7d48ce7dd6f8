package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeSource is an in-memory Source for tests. Documents are filtered and
// paginated the way a real adapter would.
type fakeSource struct {
	id SourceID

	mu           sync.Mutex
	docs         []Document
	countErr     error
	fetchErr     error
	delay        time.Duration
	subscribeErr error
	notify       func()
	unsubCalls   int
}

func newFakeSource(id SourceID, docs ...Document) *fakeSource {
	return &fakeSource{id: id, docs: docs}
}

func (s *fakeSource) ID() SourceID { return s.id }

func (s *fakeSource) SubscribeChanges(notify func()) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	s.notify = notify
	return func() {
		s.mu.Lock()
		s.unsubCalls++
		s.mu.Unlock()
	}, nil
}

func (s *fakeSource) fire() {
	s.mu.Lock()
	n := s.notify
	s.mu.Unlock()
	if n != nil {
		n()
	}
}

func (s *fakeSource) setDocs(docs ...Document) {
	s.mu.Lock()
	s.docs = docs
	s.mu.Unlock()
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	s.countErr = err
	s.fetchErr = err
	s.mu.Unlock()
}

func (s *fakeSource) wait(ctx context.Context) error {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (s *fakeSource) matching(f Filter) []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Document
	for _, d := range s.docs {
		if f.Folder != nil && (d.FolderPath == nil || *d.FolderPath != *f.Folder) {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(d.FileName), strings.ToLower(f.Query)) {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

func (s *fakeSource) Count(ctx context.Context, f Filter) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	err := s.countErr
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return len(s.matching(f)), nil
}

func (s *fakeSource) FetchRange(ctx context.Context, f Filter, offset, limit int) ([]Document, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	err := s.fetchErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	docs := s.matching(f)
	if offset >= len(docs) {
		return nil, nil
	}
	docs = docs[offset:]
	if limit < len(docs) {
		docs = docs[:limit]
	}
	return docs, nil
}

func doc(id string, src SourceID, folder string, age time.Duration) Document {
	d := Document{
		ID:              id,
		FileName:        id + ".pdf",
		SourceID:        src,
		ValidationState: ValidationPending,
		ProcessingState: ProcessingQueued,
		CreatedAt:       time.Now().Add(-age),
	}
	if folder != "" {
		d.FolderPath = &folder
	}
	return d
}
