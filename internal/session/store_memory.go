package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultTTL = 24 * time.Hour

type memoryEntry struct {
	doc       Document
	expiresAt time.Time
}

// MemoryStore keeps documents in process. Expired entries are unreachable
// immediately and physically removed by Sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]*memoryEntry
	ttl     time.Duration
	now     func() time.Time
	onEvict []func(id string)
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryStore{
		docs: make(map[string]*memoryEntry),
		ttl:  ttl,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) OnEvict(hook func(id string)) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = append(s.onEvict, hook)
}

func (s *MemoryStore) Create(_ context.Context, doc Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.docs[doc.ID]; ok {
		if now.Before(e.expiresAt) {
			return Document{}, ErrConflict
		}
		s.evictLocked(doc.ID)
	}
	doc.Version = 1
	doc.LastAccessed = now
	s.docs[doc.ID] = &memoryEntry{doc: doc.Clone(), expiresAt: now.Add(s.ttl)}
	return doc.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Document, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	if !now.Before(e.expiresAt) {
		s.evictLocked(id)
		return Document{}, ErrNotFound
	}
	e.expiresAt = now.Add(s.ttl)
	e.doc.LastAccessed = now
	return e.doc.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, doc Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.docs[doc.ID]
	if !ok {
		return Document{}, ErrNotFound
	}
	if !now.Before(e.expiresAt) {
		s.evictLocked(doc.ID)
		return Document{}, ErrNotFound
	}
	if e.doc.Version != doc.Version {
		return Document{}, ErrConflict
	}
	doc.Version++
	e.doc = doc.Clone()
	e.expiresAt = now.Add(s.ttl)
	return doc.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.docs[id]
	if !ok {
		return false, nil
	}
	if !s.now().Before(e.expiresAt) {
		s.evictLocked(id)
		return false, nil
	}
	delete(s.docs, id)
	return true, nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	var evicted []string

	s.mu.Lock()
	now := s.now()
	for id, e := range s.docs {
		if now.Before(e.expiresAt) {
			continue
		}
		delete(s.docs, id)
		evicted = append(evicted, id)
	}
	hooks := s.onEvict
	s.mu.Unlock()

	for _, id := range evicted {
		for _, hook := range hooks {
			hook(id)
		}
	}
	return len(evicted), nil
}

// Len reports live (unexpired) documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, e := range s.docs {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) Close() error { return nil }

// evictLocked removes an expired entry found by a read or write. Hooks
// run outside the lock.
func (s *MemoryStore) evictLocked(id string) {
	delete(s.docs, id)
	for _, hook := range s.onEvict {
		go hook(id)
	}
}
