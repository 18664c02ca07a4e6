package threat

import (
	"fmt"
	"time"

	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/infra"
)

// CategoryRule: вес категории и длина ее скользящего окна.
type CategoryRule struct {
	Weight float64
	Window time.Duration
}

type Config struct {
	Rules             map[domain.ThreatCategory]CategoryRule
	SeverityFloor     domain.Severity // аномалии ниже порога не учитываются
	ConfidenceFloor   float64         // индикаторы атак ниже порога не учитываются
	CacheTTL          time.Duration
	CriticalThreshold int
	HistorySize       int
	HistoryTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Rules: map[domain.ThreatCategory]CategoryRule{
			domain.CategorySecurityViolation: {Weight: 10, Window: time.Hour},
			domain.CategorySuspiciousAccess:  {Weight: 5, Window: 15 * time.Minute},
			domain.CategorySystemAnomaly:     {Weight: 3, Window: time.Hour},
			domain.CategoryAttackIndicator:   {Weight: 15, Window: 30 * time.Minute},
		},
		SeverityFloor:     domain.SeverityHigh,
		ConfidenceFloor:   0.7,
		CacheTTL:          5 * time.Minute,
		CriticalThreshold: 80,
		HistorySize:       100,
		HistoryTTL:        24 * time.Hour,
	}
}

// FromConfig переводит секцию threat в правила оценки.
func FromConfig(c infra.ThreatConfig) (Config, error) {
	floor, err := domain.ParseSeverity(c.SeverityFloor)
	if err != nil {
		return Config{}, fmt.Errorf("threat: severity_floor: %w", err)
	}
	return Config{
		Rules: map[domain.ThreatCategory]CategoryRule{
			domain.CategorySecurityViolation: {Weight: c.SecurityViolation.Weight, Window: c.SecurityViolation.Window},
			domain.CategorySuspiciousAccess:  {Weight: c.SuspiciousAccess.Weight, Window: c.SuspiciousAccess.Window},
			domain.CategorySystemAnomaly:     {Weight: c.SystemAnomaly.Weight, Window: c.SystemAnomaly.Window},
			domain.CategoryAttackIndicator:   {Weight: c.AttackIndicator.Weight, Window: c.AttackIndicator.Window},
		},
		SeverityFloor:     floor,
		ConfidenceFloor:   c.ConfidenceFloor,
		CacheTTL:          c.CacheTTL,
		CriticalThreshold: c.CriticalThreshold,
		HistorySize:       c.HistorySize,
		HistoryTTL:        c.HistoryTTL,
	}, nil
}

// counts решает, попадает ли событие в свою категорию.
func (c Config) counts(ev domain.ThreatEvent) bool {
	switch domain.CategoryOf(ev.Type) {
	case domain.CategorySystemAnomaly:
		return ev.Severity >= c.SeverityFloor
	case domain.CategoryAttackIndicator:
		return ev.Confidence >= c.ConfidenceFloor
	}
	return true
}

func (c Config) maxWindow() time.Duration {
	var w time.Duration
	for _, r := range c.Rules {
		w = max(w, r.Window)
	}
	return w
}
