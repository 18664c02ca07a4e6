package domain

import "time"

// EventType: тип события угрозы.
type EventType string

// Критический набор: любое из этих событий запускает эскалацию.
const (
	EventSecurityBreach     EventType = "security_breach"
	EventDataViolation      EventType = "data_violation"
	EventSystemFailure      EventType = "system_failure"
	EventUnauthorizedAccess EventType = "unauthorized_access"
)

// Прочие события, которые влияют на оценку, но не эскалируют сами по себе.
const (
	EventRateLimited    EventType = "rate_limited"
	EventMalformedInput EventType = "malformed_input"
	EventAnomaly        EventType = "system_anomaly"
	EventAttackSignal   EventType = "attack_indicator"
)

// IsCritical проверяет принадлежность к критическому набору.
func (t EventType) IsCritical() bool {
	switch t {
	case EventSecurityBreach, EventDataViolation, EventSystemFailure, EventUnauthorizedAccess:
		return true
	}
	return false
}

// ThreatCategory: одна из четырех взвешенных категорий оценки.
type ThreatCategory string

const (
	CategorySecurityViolation ThreatCategory = "security_violation"
	CategorySuspiciousAccess  ThreatCategory = "suspicious_access"
	CategorySystemAnomaly     ThreatCategory = "system_anomaly"
	CategoryAttackIndicator   ThreatCategory = "attack_indicator"
)

// Categories: фиксированный порядок обхода.
var Categories = []ThreatCategory{
	CategorySecurityViolation,
	CategorySuspiciousAccess,
	CategorySystemAnomaly,
	CategoryAttackIndicator,
}

// CategoryOf сопоставляет тип события категории.
func CategoryOf(t EventType) ThreatCategory {
	switch t {
	case EventSecurityBreach, EventDataViolation:
		return CategorySecurityViolation
	case EventUnauthorizedAccess, EventRateLimited, EventMalformedInput:
		return CategorySuspiciousAccess
	case EventSystemFailure, EventAnomaly:
		return CategorySystemAnomaly
	case EventAttackSignal:
		return CategoryAttackIndicator
	}
	return CategorySuspiciousAccess
}

// ThreatEvent: входное событие для оценки угроз.
type ThreatEvent struct {
	Type       EventType `json:"type"`
	ActorID    string    `json:"actor_id,omitempty"`
	Severity   Severity  `json:"severity"`
	Confidence float64   `json:"confidence,omitempty"` // только для attack_indicator
	At         time.Time `json:"at"`
}

// ThreatScoreSnapshot: кэшируемое значение оценки.
type ThreatScoreSnapshot struct {
	Score      int       `json:"score"`
	Raw        float64   `json:"raw"`
	ComputedAt time.Time `json:"computed_at"`
}

// ThreatHistoryEntry: элемент кольцевого буфера истории.
type ThreatHistoryEntry struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventType    EventType      `json:"event_type"`
	Category     ThreatCategory `json:"category"`
	Severity     Severity       `json:"severity"`
	Contribution float64        `json:"contribution"` // вклад события до нормализации
	RawScore     float64        `json:"raw_score"`
	ScoreAtTime  int            `json:"score_at_time"`
}

// Alert: превышение порога метрики.
type Alert struct {
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	OperationID string    `json:"operation_id"`
	Severity    Severity  `json:"severity"`
	RaisedAt    time.Time `json:"raised_at"`
}
