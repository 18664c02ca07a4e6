package threat

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xela07ax/opgate/internal/domain"
)

// EventStore хранит учтенные события по категориям и кольцо истории.
type EventStore interface {
	// Add добавляет событие и отбрасывает записи старше retain.
	Add(ctx context.Context, cat domain.ThreatCategory, at time.Time, retain time.Duration) error
	// Count: число событий категории с момента since включительно.
	Count(ctx context.Context, cat domain.ThreatCategory, since time.Time) (int64, error)
	AppendHistory(ctx context.Context, e domain.ThreatHistoryEntry, size int, ttl time.Duration) error
	// History: новые записи первыми.
	History(ctx context.Context, limit int) ([]domain.ThreatHistoryEntry, error)
}

// MemoryEventStore: однопроцессная реализация для тестов и режима без Redis.
type MemoryEventStore struct {
	mu      sync.Mutex
	events  map[domain.ThreatCategory][]time.Time
	history []domain.ThreatHistoryEntry
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[domain.ThreatCategory][]time.Time)}
}

func (s *MemoryEventStore) Add(_ context.Context, cat domain.ThreatCategory, at time.Time, retain time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := at.Add(-retain)
	kept := s.events[cat][:0]
	for _, t := range s.events[cat] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	s.events[cat] = append(kept, at)
	return nil
}

func (s *MemoryEventStore) Count(_ context.Context, cat domain.ThreatCategory, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, t := range s.events[cat] {
		if !t.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryEventStore) AppendHistory(_ context.Context, e domain.ThreatHistoryEntry, size int, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append([]domain.ThreatHistoryEntry{e}, s.history...)
	if size > 0 && len(s.history) > size {
		s.history = s.history[:size]
	}
	return nil
}

func (s *MemoryEventStore) History(_ context.Context, limit int) ([]domain.ThreatHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := slices.Clone(s.history)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
