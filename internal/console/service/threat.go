package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/opgate/internal/domain"
)

// ThreatProvider: оценщик угроз (threat.Scorer).
type ThreatProvider interface {
	Score(ctx context.Context) (domain.ThreatScoreSnapshot, error)
	History(ctx context.Context, limit int) ([]domain.ThreatHistoryEntry, error)
}

// AlertProvider: последние алерты (alert.RedisSink).
type AlertProvider interface {
	Recent(ctx context.Context, limit int64) ([]domain.Alert, error)
}

// ThreatOverview: сводка для дашборда.
type ThreatOverview struct {
	Score     domain.ThreatScoreSnapshot  `json:"score"`
	Threshold int                         `json:"threshold"`
	Critical  bool                        `json:"critical"`
	History   []domain.ThreatHistoryEntry `json:"history"`
}

type ThreatService struct {
	scorer    ThreatProvider
	alerts    AlertProvider
	threshold int
}

func NewThreatService(scorer ThreatProvider, alerts AlertProvider, threshold int) *ThreatService {
	return &ThreatService{scorer: scorer, alerts: alerts, threshold: threshold}
}

func (s *ThreatService) Overview(ctx context.Context, historyLimit int) (*ThreatOverview, error) {
	snap, err := s.scorer.Score(ctx)
	if err != nil {
		return nil, fmt.Errorf("threat_service: score: %w", err)
	}
	history, err := s.scorer.History(ctx, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("threat_service: history: %w", err)
	}
	return &ThreatOverview{
		Score:     snap,
		Threshold: s.threshold,
		Critical:  snap.Score >= s.threshold,
		History:   history,
	}, nil
}

// RecentAlerts: пустой список, если канал алертов в Redis не настроен.
func (s *ThreatService) RecentAlerts(ctx context.Context, limit int64) ([]domain.Alert, error) {
	if s.alerts == nil {
		return []domain.Alert{}, nil
	}
	list, err := s.alerts.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("threat_service: alerts: %w", err)
	}
	return list, nil
}
