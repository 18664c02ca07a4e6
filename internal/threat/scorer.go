package threat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xela07ax/opgate/internal/cache"
	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/infra"
)

// Escalator получает уведомление о пересечении критического порога.
// Реализует engine.Escalator.
type Escalator interface {
	EscalateThreat(ctx context.Context, snap domain.ThreatScoreSnapshot, cause domain.ThreatEvent)
}

// Scorer: агрегированная оценка угроз по взвешенным событиям за скользящие окна.
type Scorer struct {
	cfg    Config
	store  EventStore
	cache  cache.Cache
	clock  domain.Clock
	logger *zap.Logger

	group singleflight.Group

	mu        sync.RWMutex
	escalator Escalator
}

func NewScorer(cfg Config, store EventStore, c cache.Cache, clock domain.Clock, logger *zap.Logger) *Scorer {
	return &Scorer{
		cfg:    cfg,
		store:  store,
		cache:  c,
		clock:  clock,
		logger: logger.Named("threat"),
	}
}

// SetEscalator подключает путь эскалации после сборки графа зависимостей.
func (s *Scorer) SetEscalator(e Escalator) {
	s.mu.Lock()
	s.escalator = e
	s.mu.Unlock()
}

// Score возвращает оценку из кэша текущего поколения или пересчитывает ее.
// Параллельные промахи схлопываются в один пересчет.
func (s *Scorer) Score(ctx context.Context) (domain.ThreatScoreSnapshot, error) {
	key, err := s.scoreKey(ctx)
	if err != nil {
		return domain.ThreatScoreSnapshot{}, err
	}

	if raw, err := s.cache.Get(ctx, key); err == nil {
		var snap domain.ThreatScoreSnapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			return snap, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("score cache read failed, recomputing", zap.Error(err))
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		snap, err := s.compute(ctx)
		if err != nil {
			return nil, err
		}
		s.cacheSnapshot(ctx, key, snap)
		return snap, nil
	})
	if err != nil {
		return domain.ThreatScoreSnapshot{}, err
	}
	return v.(domain.ThreatScoreSnapshot), nil
}

// RecordEvent учитывает событие, инвалидирует кэш и пишет запись истории.
// Следующий Score уже видит это событие.
func (s *Scorer) RecordEvent(ctx context.Context, ev domain.ThreatEvent) error {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	cat := domain.CategoryOf(ev.Type)

	prev, err := s.Score(ctx)
	if err != nil {
		s.logger.Warn("previous score unavailable", zap.Error(err))
	}

	var contribution float64
	if s.cfg.counts(ev) {
		if err := s.store.Add(ctx, cat, ev.At, s.cfg.maxWindow()); err != nil {
			return err
		}
		contribution = s.cfg.Rules[cat].Weight
	}

	if _, err := s.cache.Increment(ctx, infra.RedisKeyThreatGen, 0); err != nil {
		return fmt.Errorf("threat: bump generation: %w", err)
	}
	key, err := s.scoreKey(ctx)
	if err != nil {
		return err
	}
	snap, err := s.compute(ctx)
	if err != nil {
		return err
	}
	s.cacheSnapshot(ctx, key, snap)

	entry := domain.ThreatHistoryEntry{
		Timestamp:    ev.At,
		EventType:    ev.Type,
		Category:     cat,
		Severity:     ev.Severity,
		Contribution: contribution,
		RawScore:     snap.Raw,
		ScoreAtTime:  snap.Score,
	}
	if err := s.store.AppendHistory(ctx, entry, s.cfg.HistorySize, s.cfg.HistoryTTL); err != nil {
		s.logger.Warn("threat history append failed", zap.Error(err))
	}

	s.logger.Debug("threat event recorded",
		zap.String("event", string(ev.Type)),
		zap.String("category", string(cat)),
		zap.Float64("contribution", contribution),
		zap.Int("score", snap.Score),
	)

	if prev.Score < s.cfg.CriticalThreshold && snap.Score >= s.cfg.CriticalThreshold {
		s.mu.RLock()
		esc := s.escalator
		s.mu.RUnlock()
		s.logger.Warn("threat score crossed critical threshold",
			zap.Int("score", snap.Score),
			zap.Int("threshold", s.cfg.CriticalThreshold),
		)
		if esc != nil {
			esc.EscalateThreat(ctx, snap, ev)
		}
	}
	return nil
}

// History: последние записи, новые первыми, не старше HistoryTTL.
func (s *Scorer) History(ctx context.Context, limit int) ([]domain.ThreatHistoryEntry, error) {
	entries, err := s.store.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	if s.cfg.HistoryTTL <= 0 {
		return entries, nil
	}
	cutoff := s.clock.Now().Add(-s.cfg.HistoryTTL)
	out := entries[:0]
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Scorer) compute(ctx context.Context) (domain.ThreatScoreSnapshot, error) {
	now := s.clock.Now()
	var raw float64
	for _, cat := range domain.Categories {
		rule, ok := s.cfg.Rules[cat]
		if !ok || rule.Weight == 0 {
			continue
		}
		n, err := s.store.Count(ctx, cat, now.Add(-rule.Window))
		if err != nil {
			return domain.ThreatScoreSnapshot{}, err
		}
		raw += rule.Weight * float64(n)
	}
	return domain.ThreatScoreSnapshot{Score: Normalize(raw), Raw: raw, ComputedAt: now}, nil
}

func (s *Scorer) cacheSnapshot(ctx context.Context, key string, snap domain.ThreatScoreSnapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("score cache write failed", zap.Error(err))
	}
}

func (s *Scorer) scoreKey(ctx context.Context) (string, error) {
	gen, err := s.cache.Peek(ctx, infra.RedisKeyThreatGen)
	if err != nil {
		return "", fmt.Errorf("threat: read generation: %w", err)
	}
	return infra.ThreatScoreKey(strconv.FormatInt(gen.Count, 10)), nil
}

// Normalize: min(100, max(0, x)). NaN дает 0.
func Normalize(x float64) int {
	if math.IsNaN(x) {
		return 0
	}
	return int(math.Min(100, math.Max(0, x)))
}
