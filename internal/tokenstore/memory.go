package tokenstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

type memoryStore struct {
	mu        sync.RWMutex
	items     map[string]memoryEntry
	retention time.Duration
	now       func() time.Time
}

// NewMemory はインメモリのStorageを生成する。プロセス終了で内容は失われる。
func NewMemory(cfg Config) Storage {
	return &memoryStore{
		items:     make(map[string]memoryEntry),
		retention: retentionOf(cfg),
		now:       time.Now,
	}
}

func (s *memoryStore) Get(_ context.Context, profileID string) (string, error) {
	s.mu.RLock()
	e, ok := s.items[profileID]
	s.mu.RUnlock()
	if !ok || !s.now().Before(e.expiresAt) {
		return "", nil
	}
	return e.token, nil
}

func (s *memoryStore) Set(_ context.Context, profileID, token string, expiresAt time.Time) error {
	if profileID == "" {
		return fmt.Errorf("profile id required")
	}
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(s.retention)
	}
	s.mu.Lock()
	s.items[profileID] = memoryEntry{token: token, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Remove(_ context.Context, profileID string) error {
	s.mu.Lock()
	delete(s.items, profileID)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.items {
		if !now.Before(e.expiresAt) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Ping(context.Context) error {
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
