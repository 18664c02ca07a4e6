package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/audit"
	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/monitor"
)

// ReasonThreatScore: эскалация по пересечению критического порога оценки угроз.
const ReasonThreatScore = "threat_score_critical"

// Notifier: получатель алертов эскалации (alert.Dispatcher).
type Notifier interface {
	Notify(ctx context.Context, a domain.Alert)
}

// Locker блокирует актора после эскалации (LockoutManager).
type Locker interface {
	Lock(ctx context.Context, actorID, reason string) error
}

// Incident: повод для эскалации.
type Incident struct {
	Reason        string // тип события из критического набора, "fatal" или ReasonThreatScore
	Event         domain.EventType
	ActorID       string
	OperationName string
	RecordID      string
	Score         int
}

// Escalator: снимок системы, критический алерт, при необходимости блокировка актора.
type Escalator struct {
	snapshots audit.Snapshotter
	notifier  Notifier
	locker    Locker
	lockOn    map[domain.EventType]bool
	metrics   *monitor.Metrics
	clock     domain.Clock
	logger    *zap.Logger
}

func NewEscalator(snapshots audit.Snapshotter, notifier Notifier, clock domain.Clock, metrics *monitor.Metrics, logger *zap.Logger) *Escalator {
	return &Escalator{
		snapshots: snapshots,
		notifier:  notifier,
		clock:     clock,
		metrics:   metrics,
		logger:    logger.Named("escalation"),
	}
}

// WithLockout включает блокировку актора для нарушений безопасности
// (security_breach, unauthorized_access, data_violation).
func (e *Escalator) WithLockout(l Locker) *Escalator {
	e.locker = l
	e.lockOn = map[domain.EventType]bool{
		domain.EventSecurityBreach:     true,
		domain.EventUnauthorizedAccess: true,
		domain.EventDataViolation:      true,
	}
	return e
}

// Escalate не возвращает ошибок: сбой любого шага только логируется.
func (e *Escalator) Escalate(ctx context.Context, inc Incident) {
	ctx = context.WithoutCancel(ctx)

	var snap domain.SystemSnapshot
	if e.snapshots != nil {
		snap = e.snapshots.Snapshot(ctx)
	}

	e.logger.Error("critical escalation",
		zap.String("reason", inc.Reason),
		zap.String("event", string(inc.Event)),
		zap.String("actor_id", inc.ActorID),
		zap.String("operation", inc.OperationName),
		zap.String("record_id", inc.RecordID),
		zap.Int("threat_score", inc.Score),
		zap.Float64("mem_used_percent", snap.MemUsedPercent),
		zap.Int("goroutines", snap.Goroutines),
	)
	if e.metrics != nil {
		e.metrics.Escalations.WithLabelValues(inc.Reason).Inc()
	}

	if e.notifier != nil {
		e.notifier.Notify(ctx, domain.Alert{
			Metric:      "escalation:" + inc.Reason,
			Value:       float64(inc.Score),
			OperationID: inc.RecordID,
			Severity:    domain.SeverityCritical,
			RaisedAt:    e.clock.Now(),
		})
	}

	if e.locker != nil && inc.ActorID != "" && e.lockOn[inc.Event] {
		reason := fmt.Sprintf("%s in %s", inc.Event, inc.OperationName)
		if err := e.locker.Lock(ctx, inc.ActorID, reason); err != nil {
			e.logger.Error("lockout failed", zap.String("actor_id", inc.ActorID), zap.Error(err))
		}
	}
}

// EscalateThreat вызывается оценщиком угроз при пересечении порога.
func (e *Escalator) EscalateThreat(ctx context.Context, snap domain.ThreatScoreSnapshot, cause domain.ThreatEvent) {
	e.Escalate(ctx, Incident{
		Reason:  ReasonThreatScore,
		Event:   cause.Type,
		ActorID: cause.ActorID,
		Score:   snap.Score,
	})
}
