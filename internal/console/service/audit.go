package service

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/xela07ax/opgate/internal/audit"
	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/repository/postgres"
)

// AuditLogProvider описывает контракт чтения журнала (audit.Trail).
type AuditLogProvider interface {
	Query(ctx context.Context, f audit.Filter) iter.Seq2[domain.AuditRecord, error]
	VerifyStored(ctx context.Context, id string) (bool, error)
}

// StatsProvider: агрегаты по журналу (postgres.AuditRepo).
type StatsProvider interface {
	Stats(ctx context.Context, since time.Time) (postgres.Stats, error)
}

type AuditService struct {
	repo  AuditLogProvider
	stats StatsProvider
}

func NewAuditService(repo AuditLogProvider, stats StatsProvider) *AuditService {
	return &AuditService{repo: repo, stats: stats}
}

// VerifiedRecord: запись журнала с результатом проверки подписи.
type VerifiedRecord struct {
	domain.AuditRecord
	Verified bool `json:"verified"`
}

// FetchLogs читает не больше limit записей, новые первыми.
func (s *AuditService) FetchLogs(ctx context.Context, f audit.Filter, limit int) ([]domain.AuditRecord, error) {
	out := make([]domain.AuditRecord, 0, limit)
	for rec, err := range s.repo.Query(ctx, f) {
		if err != nil {
			return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Verify перечитывает запись из хранилища и проверяет HMAC.
func (s *AuditService) Verify(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.VerifyStored(ctx, id)
	if err != nil {
		return false, fmt.Errorf("audit_service: verify %s: %w", id, err)
	}
	return ok, nil
}

func (s *AuditService) Stats(ctx context.Context, since time.Time) (postgres.Stats, error) {
	if s.stats == nil {
		return postgres.Stats{}, nil
	}
	st, err := s.stats.Stats(ctx, since)
	if err != nil {
		return postgres.Stats{}, fmt.Errorf("audit_service: stats: %w", err)
	}
	return st, nil
}
