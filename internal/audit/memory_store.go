package audit

import (
	"context"
	"slices"
	"sync"

	"github.com/xela07ax/opgate/internal/domain"
)

// MemoryStore: журнал в памяти процесса: режим без БД и тесты.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	records []domain.AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec domain.AuditRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec.Seq = s.seq
	s.records = append(s.records, cloneRecord(rec))
	return rec.Seq, nil
}

func (s *MemoryStore) AppendBatch(ctx context.Context, recs []domain.AuditRecord) error {
	for _, r := range recs {
		if _, err := s.Append(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.ID == id {
			return cloneRecord(r), nil
		}
	}
	return domain.AuditRecord{}, ErrNotFound
}

func (s *MemoryStore) Page(_ context.Context, f Filter, after *Cursor, limit int) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	sorted := slices.Clone(s.records)
	s.mu.RUnlock()

	slices.SortFunc(sorted, func(a, b domain.AuditRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.Seq > b.Seq:
			return -1
		case a.Seq < b.Seq:
			return 1
		}
		return 0
	})

	out := make([]domain.AuditRecord, 0, limit)
	for _, r := range sorted {
		if !f.Match(r) || (after != nil && !after.Admits(r)) {
			continue
		}
		out = append(out, cloneRecord(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// All: все записи в порядке добавления.
func (s *MemoryStore) All() []domain.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditRecord, len(s.records))
	for i, r := range s.records {
		out[i] = cloneRecord(r)
	}
	return out
}

// Match применяет фильтр к записи.
func (f Filter) Match(r domain.AuditRecord) bool {
	switch {
	case f.ActorID != "" && r.ActorID != f.ActorID:
		return false
	case f.OperationName != "" && r.OperationName != f.OperationName:
		return false
	case f.Outcome != "" && r.Outcome != f.Outcome:
		return false
	case !f.Since.IsZero() && r.CreatedAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && !r.CreatedAt.Before(f.Until):
		return false
	}
	return true
}

// Admits: запись r идет после курсора в порядке (created_at DESC, seq DESC).
func (c Cursor) Admits(r domain.AuditRecord) bool {
	if r.CreatedAt.Equal(c.CreatedAt) {
		return r.Seq < c.Seq
	}
	return r.CreatedAt.Before(c.CreatedAt)
}

func cloneRecord(r domain.AuditRecord) domain.AuditRecord {
	r.Tags = slices.Clone(r.Tags)
	if r.SanitizedContext != nil {
		if raw, err := domain.CanonicalJSON(r.SanitizedContext); err == nil {
			if m, err := DecodeData(raw); err == nil {
				r.SanitizedContext = m
			}
		}
	}
	return r
}
