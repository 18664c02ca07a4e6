package domain

import (
	"fmt"
	"strings"
	"time"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Severity упорядочена: сравнение через < и > допустимо.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity: обратное преобразование для чтения из БД и конфига.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "info", "":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

// Max возвращает более высокий уровень.
func (s Severity) Max(o Severity) Severity {
	if o > s {
		return o
	}
	return s
}

// SystemSnapshot: состояние процесса и хоста в момент записи.
type SystemSnapshot struct {
	MemUsedPercent float64   `json:"mem_used_percent"`
	CPUPercent     float64   `json:"cpu_percent"`
	HeapAlloc      uint64    `json:"heap_alloc"`
	Goroutines     int       `json:"goroutines"`
	TakenAt        time.Time `json:"taken_at"`
}

// AuditRecord: неизменяемая запись журнала. Ровно одна на попытку исполнения.
type AuditRecord struct {
	Seq              int64          `json:"seq"` // автоинкремент хранилища
	ID               string         `json:"id"`
	OperationName    string         `json:"type"`
	ActorID          string         `json:"actor_id"`
	SanitizedContext map[string]any `json:"sanitized_data"`
	Outcome          Outcome        `json:"outcome"`
	Severity         Severity       `json:"severity"`
	ErrorKind        ErrorKind      `json:"error_kind,omitempty"`
	ErrorType        string         `json:"error_type,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Snapshot         SystemSnapshot `json:"system_snapshot"`
	DurationMs       int64          `json:"duration_ms"`
	CreatedAt        time.Time      `json:"created_at"`
	Hash             string         `json:"hash"`

	// Noncanonical: хранимые байты отличаются от канонической формы записи.
	// Подпись к такой записи не относится, Verify ее отклоняет.
	Noncanonical bool `json:"-"`
}

// HasTag: удобство для тестов и фильтров.
func (r AuditRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// NormalizeTime приводит время к UTC и точности микросекунд (TIMESTAMPTZ в Postgres),
// иначе хеш не воспроизводится после чтения из БД.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
