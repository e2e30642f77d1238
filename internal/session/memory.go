package session

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memEntry struct {
	p       Pending
	expires time.Time
}

// Memory is a process-local store. Entries expire after ttl of inactivity.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[int64]memEntry
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, m: map[int64]memEntry{}}
}

func (s *Memory) Get(_ context.Context, ownerID int64) (Pending, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[ownerID]
	if !ok {
		return Pending{}, false, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.m, ownerID)
		return Pending{}, false, nil
	}
	p := e.p
	p.Selected = slices.Clone(p.Selected)
	return p, true, nil
}

func (s *Memory) Put(_ context.Context, p Pending) error {
	p.Selected = slices.Clone(p.Selected)
	s.mu.Lock()
	s.m[p.OwnerID] = memEntry{p: p, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

func (s *Memory) Delete(_ context.Context, ownerID int64) error {
	s.mu.Lock()
	delete(s.m, ownerID)
	s.mu.Unlock()
	return nil
}

// Prune drops expired entries and returns how many were removed.
func (s *Memory) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.m {
		if !now.Before(e.expires) {
			delete(s.m, id)
			n++
		}
	}
	return n
}

func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *Memory) Close() error { return nil }
