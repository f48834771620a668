package idempotency

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps entries in process. It backs tests and single-instance local runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, lockTTL time.Duration) (Outcome, Entry, error) {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *Entry
	if entry, ok := s.entries[key]; ok {
		current = &entry
	}
	outcome, err := decide(current, fingerprint, now)
	if err != nil {
		return outcome, Entry{}, err
	}
	if outcome != OutcomeClaimed {
		return outcome, *current, nil
	}
	claimed := Entry{Fingerprint: fingerprint, ExpiresAt: now.Add(lockTTL)}
	s.entries[key] = claimed
	return OutcomeClaimed, claimed, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.entries[key]; ok && now.Before(current.ExpiresAt) && current.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.entries[key] = Entry{
		Fingerprint: fingerprint,
		Done:        true,
		Response:    Response{Status: resp.Status, Header: storableHeader(resp.Header), Body: slices.Clone(resp.Body)},
		ExpiresAt:   now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if !now.Before(entry.ExpiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}
