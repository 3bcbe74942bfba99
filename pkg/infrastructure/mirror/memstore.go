package mirror

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process DocumentStore. Watchers only ever need the
// latest document, so a slow watcher has stale writes replaced, not queued.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]Document
	watchers map[string]map[chan Document]struct{}
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]Document),
		watchers: make(map[string]map[chan Document]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return &doc, nil
}

func (s *MemoryStore) Set(_ context.Context, doc Document) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.UpdatedAt = s.now()
	s.docs[doc.ID] = doc
	for ch := range s.watchers[doc.ID] {
		sendLatest(ch, doc)
	}
	return doc.UpdatedAt, nil
}

func (s *MemoryStore) Watch(ctx context.Context, id string) (<-chan Document, error) {
	ch := make(chan Document, 1)

	s.mu.Lock()
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[chan Document]struct{})
	}
	s.watchers[id][ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[id], ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// Watchers reports how many watch streams are open on id.
func (s *MemoryStore) Watchers(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[id])
}

// sendLatest never blocks: a pending undelivered document is dropped in
// favour of doc.
func sendLatest(ch chan Document, doc Document) {
	for {
		select {
		case ch <- doc:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
