package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/audit"
	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/monitor"
	"github.com/xela07ax/opgate/internal/ratelimit"
)

// State: состояние машины исполнения.
type State string

const (
	StatePending            State = "pending"
	StateValidating         State = "validating"
	StatePermissionChecking State = "permission_checking"
	StateRateLimiting       State = "rate_limiting"
	StateTxOpen             State = "tx_open"
	StateExecuting          State = "executing"
	StateResultValidating   State = "result_validating"
	StateCommitting         State = "committing"
	StateAuditingSuccess    State = "auditing_success"
	StateRollingBack        State = "rolling_back"
	StateAuditingFailure    State = "auditing_failure"
	StateEscalating         State = "escalating"
	StateFailed             State = "failed"
)

// Метки записей аудита.
const (
	TagDenied             = "denied"
	TagTimeout            = "timeout"
	TagCanceled           = "canceled"
	TagPanic              = "panic"
	TagRolledBackByParent = "rolled_back_by_parent"
)

// AuditRecorder: журнал (audit.Trail).
type AuditRecorder interface {
	Record(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error)
}

// ThreatRecorder: оценщик угроз (threat.Scorer).
type ThreatRecorder interface {
	RecordEvent(ctx context.Context, ev domain.ThreatEvent) error
	Score(ctx context.Context) (domain.ThreatScoreSnapshot, error)
}

// ResourceMonitor: пороги метрик исполнения (monitor.ThresholdMonitor).
type ResourceMonitor interface {
	RecordMetric(ctx context.Context, operationID, name string, value float64) *domain.Alert
}

// Deps: коллабораторы исполнителя. Store, Audit и Gate обязательны.
type Deps struct {
	Gate      *Gate
	Store     Store
	Audit     AuditRecorder
	Snapshots audit.Snapshotter
	Monitor   ResourceMonitor
	Threats   ThreatRecorder
	Escalator *Escalator
	Limiter   *ratelimit.Limiter
	Metrics   *monitor.Metrics
	Clock     domain.Clock
	IDs       domain.IDGen
	Logger    *zap.Logger
}

type Config struct {
	DefaultDeadline time.Duration
	// AuditDenied пишет Failure с меткой denied для отказов гейта.
	AuditDenied bool
}

// Option: параметры одного вызова.
type Option func(*callOptions)

type callOptions struct {
	deadline time.Duration
}

// WithDeadline ограничивает время исполнения операции.
func WithDeadline(d time.Duration) Option {
	return func(o *callOptions) { o.deadline = d }
}

// Executor: единственная точка входа для критических операций.
// Не хранит состояния между вызовами.
type Executor struct {
	gate      *Gate
	store     Store
	audit     AuditRecorder
	snapshots audit.Snapshotter
	monitor   ResourceMonitor
	threats   ThreatRecorder
	escalator *Escalator
	limiter   *ratelimit.Limiter
	metrics   *monitor.Metrics
	clock     domain.Clock
	ids       domain.IDGen
	logger    *zap.Logger

	cfg   Config
	begin beginPolicy
}

func New(d Deps, cfg Config) *Executor {
	e := &Executor{
		gate:      d.Gate,
		store:     d.Store,
		audit:     d.Audit,
		snapshots: d.Snapshots,
		monitor:   d.Monitor,
		threats:   d.Threats,
		escalator: d.Escalator,
		limiter:   d.Limiter,
		metrics:   d.Metrics,
		clock:     d.Clock,
		ids:       d.IDs,
		logger:    d.Logger,
		cfg:       cfg,
		begin:     defaultBeginPolicy,
	}
	if e.store == nil {
		e.store = NopStore{}
	}
	if e.clock == nil {
		e.clock = domain.SystemClock{}
	}
	if e.ids == nil {
		e.ids = domain.UUIDGen{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = monitor.NewMetrics(nil)
	}
	e.logger = e.logger.Named("executor")
	return e
}

// frame: корневое исполнение. Вложенные вызовы складывают сюда записи аудита
// и действия после фиксации, пока не известен исход корня.
type frame struct {
	mu       sync.Mutex
	pending  []domain.AuditRecord
	onCommit []func(ctx context.Context)
}

type frameKey struct{}

func frameFrom(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

// attempt: одна попытка исполнения.
type attempt struct {
	id      string
	sc      domain.SecurityContext
	started time.Time
	root    *frame
	nested  bool
	logger  *zap.Logger
}

// Execute проводит операцию через гейт, транзакцию, проверку целостности и аудит.
// Любой отказ возвращается как *domain.Error без внутренних подробностей.
func (e *Executor) Execute(ctx context.Context, sc domain.SecurityContext, op domain.Operation, opts ...Option) (domain.Result, error) {
	o := callOptions{deadline: e.cfg.DefaultDeadline}
	for _, opt := range opts {
		opt(&o)
	}

	a := &attempt{
		id:      e.ids.New(),
		sc:      sc,
		started: e.clock.Now(),
		root:    frameFrom(ctx),
	}
	a.logger = e.logger.With(
		zap.String("attempt_id", a.id),
		zap.String("operation", sc.OperationName()),
		zap.String("actor_id", sc.ActorID()),
	)
	if a.root != nil {
		a.nested = true
	} else {
		a.root = &frame{}
		ctx = context.WithValue(ctx, frameKey{}, a.root)
	}

	e.transition(a, StatePending)

	e.transition(a, StateValidating)
	if err := e.gate.Validate(sc); err != nil {
		return domain.Result{}, e.deny(ctx, a, err, domain.EventMalformedInput)
	}

	e.transition(a, StatePermissionChecking)
	if err := e.gate.Authorize(ctx, sc); err != nil {
		return domain.Result{}, e.deny(ctx, a, err, domain.EventUnauthorizedAccess)
	}

	e.transition(a, StateRateLimiting)
	if _, err := e.gate.Limit(ctx, sc); err != nil {
		ev := domain.EventRateLimited
		if errors.Is(err, domain.ErrRateLimitExceeded) {
			e.metrics.RateLimitRejections.WithLabelValues(sc.OperationName()).Inc()
		} else {
			ev = domain.EventAnomaly
		}
		return domain.Result{}, e.deny(ctx, a, err, ev)
	}

	e.transition(a, StateTxOpen)
	txCtx, tx, err := e.beginTx(ctx)
	if err != nil {
		return domain.Result{}, e.fail(ctx, a, nil, err)
	}

	e.transition(a, StateExecuting)
	res, alert, err := e.run(txCtx, a, op, o.deadline)

	if err == nil {
		e.transition(a, StateResultValidating)
		err = res.Verify()
	}
	if err == nil {
		e.transition(a, StateCommitting)
		if cerr := tx.Commit(ctx); cerr != nil {
			err = cerr
			// Commit уже завершил транзакцию, откатывать нечего
			tx = nil
		}
	}
	if err != nil {
		return domain.Result{}, e.fail(ctx, a, tx, err, alertSeverity(alert))
	}

	e.transition(a, StateAuditingSuccess)
	e.succeed(ctx, a, alertSeverity(alert))
	return res, nil
}

// run исполняет операцию с дедлайном. Брошенная по таймауту горутина
// дорабатывает в фоне, ее результат игнорируется.
func (e *Executor) run(ctx context.Context, a *attempt, op domain.Operation, deadline time.Duration) (domain.Result, *domain.Alert, error) {
	opCtx, cancel := ctx, context.CancelFunc(func() {})
	if deadline > 0 {
		opCtx, cancel = context.WithTimeout(ctx, deadline)
	}
	defer cancel()

	type outcome struct {
		res domain.Result
		err error
	}
	done := make(chan outcome, 1)
	sample := monitor.StartSample()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &panicError{value: r}}
			}
		}()
		res, err := op.Execute(opCtx)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-opCtx.Done():
		out = outcome{err: opCtx.Err()}
	}

	elapsed, allocated := sample.Stop()
	alert := e.sampleMetrics(ctx, a, elapsed, allocated)

	if out.err != nil && opCtx.Err() != nil {
		switch {
		case ctx.Err() != nil:
			return domain.Result{}, alert, domain.Wrap(domain.KindOperationFailure, domain.ClassTransient,
				"operation canceled", out.err).WithTags(TagCanceled)
		case errors.Is(opCtx.Err(), context.DeadlineExceeded):
			return domain.Result{}, alert, domain.Wrap(domain.KindOperationFailure, domain.ClassTransient,
				fmt.Sprintf("operation exceeded deadline %s", deadline), out.err).WithTags(TagTimeout)
		}
	}
	return out.res, alert, out.err
}

func (e *Executor) sampleMetrics(ctx context.Context, a *attempt, elapsed time.Duration, allocated uint64) *domain.Alert {
	if e.monitor == nil {
		return nil
	}
	var worst *domain.Alert
	for _, m := range []struct {
		name  string
		value float64
	}{
		{monitor.MetricDurationMs, float64(elapsed.Milliseconds())},
		{monitor.MetricMemoryDeltaBytes, float64(allocated)},
	} {
		if al := e.monitor.RecordMetric(ctx, a.id, m.name, m.value); al != nil {
			if worst == nil || al.Severity > worst.Severity {
				worst = al
			}
		}
	}
	return worst
}

// deny: отказ гейта: транзакция не открывалась, эскалации нет.
func (e *Executor) deny(ctx context.Context, a *attempt, err error, ev domain.EventType) error {
	de := toDomainError(err)
	e.transition(a, StateFailed)
	e.countError(a, de, domain.OutcomeFailure)

	sev := domain.SeverityWarning
	if de.Kind == domain.KindPermissionDenied {
		sev = domain.SeverityHigh
	}
	e.recordThreat(ctx, a, ev, sev)

	if e.cfg.AuditDenied {
		rec := e.newRecord(ctx, a, domain.OutcomeFailure, sev)
		rec.ErrorKind = de.Kind
		rec.ErrorType = domain.TypeName(causeOf(de))
		rec.Tags = append(rec.Tags, TagDenied)
		rec.Tags = append(rec.Tags, de.Tags...)
		e.write(ctx, a, rec)
	}

	a.logger.Info("operation denied", zap.String("kind", string(de.Kind)), zap.String("reason", de.Message))
	return de
}

// fail: откат, запись Failure, событие угрозы, эскалация для критического набора.
func (e *Executor) fail(ctx context.Context, a *attempt, tx Tx, err error, raised ...domain.Severity) error {
	de := toDomainError(err)

	if tx != nil {
		e.transition(a, StateRollingBack)
		if rerr := tx.Rollback(ctx); rerr != nil {
			a.logger.Error("rollback failed", zap.Error(rerr))
		}
	}

	ev := eventOf(de)
	// отказ в доступе внутри операции (неверный пароль) влияет на оценку угроз,
	// но не эскалирует сам по себе, как и отказ гейта
	critical := ev.IsCritical() && de.Kind != domain.KindPermissionDenied

	sev := domain.SeverityWarning
	switch {
	case critical:
		sev = domain.SeverityCritical
	case de.Kind == domain.KindPermissionDenied:
		sev = domain.SeverityHigh
	}
	for _, r := range raised {
		sev = sev.Max(r)
	}

	e.transition(a, StateAuditingFailure)
	rec := e.newRecord(ctx, a, domain.OutcomeFailure, sev)
	rec.ErrorKind = de.Kind
	rec.ErrorType = domain.TypeName(causeOf(de))
	rec.Tags = append(rec.Tags, de.Tags...)
	if de.Event != "" {
		rec.Tags = append(rec.Tags, string(de.Event))
	}
	e.write(ctx, a, rec)

	if !a.nested {
		e.flush(ctx, a.root, false)
	}

	e.recordThreat(ctx, a, ev, sev)

	if critical && e.escalator != nil {
		e.transition(a, StateEscalating)
		e.escalator.Escalate(ctx, Incident{
			Reason:        string(ev),
			Event:         ev,
			ActorID:       a.sc.ActorID(),
			OperationName: a.sc.OperationName(),
			RecordID:      rec.ID,
		})
	}

	e.transition(a, StateFailed)
	e.countError(a, de, domain.OutcomeFailure)
	a.logger.Warn("operation failed",
		zap.String("kind", string(de.Kind)),
		zap.String("class", string(de.Class)),
		zap.Strings("tags", de.Tags),
		zap.Error(causeOf(de)),
	)
	return de
}

func (e *Executor) succeed(ctx context.Context, a *attempt, sev domain.Severity) {
	rec := e.newRecord(ctx, a, domain.OutcomeSuccess, sev)

	reset := func(ctx context.Context) {
		if e.limiter == nil || !e.limiter.PolicyFor(a.sc.OperationName()).ResetOnSuccess {
			return
		}
		if err := e.limiter.Reset(ctx, ratelimitKey(a.sc)); err != nil {
			a.logger.Warn("rate limit reset failed", zap.Error(err))
		}
	}

	if a.nested {
		a.root.mu.Lock()
		a.root.pending = append(a.root.pending, rec)
		a.root.onCommit = append(a.root.onCommit, reset)
		a.root.mu.Unlock()
	} else {
		e.flush(ctx, a.root, true)
		e.persist(ctx, a, rec)
		reset(ctx)
	}

	e.observe(a, domain.OutcomeSuccess)
	a.logger.Debug("operation committed", zap.Bool("nested", a.nested))
}

// flush пишет отложенные записи вложенных вызовов, когда исход корня известен.
func (e *Executor) flush(ctx context.Context, f *frame, committed bool) {
	f.mu.Lock()
	pending, hooks := f.pending, f.onCommit
	f.pending, f.onCommit = nil, nil
	f.mu.Unlock()

	for _, rec := range pending {
		if !committed && rec.Outcome == domain.OutcomeSuccess {
			rec.Outcome = domain.OutcomeFailure
			rec.ErrorKind = domain.KindOperationFailure
			rec.Severity = rec.Severity.Max(domain.SeverityWarning)
			rec.Tags = append(rec.Tags, TagRolledBackByParent)
		}
		if _, err := e.audit.Record(ctx, rec); err != nil {
			e.auditFailed(rec, err)
		}
	}
	if committed {
		for _, h := range hooks {
			h(ctx)
		}
	}
}

// write: запись аудита; у вложенных вызовов откладывается до исхода корня.
func (e *Executor) write(ctx context.Context, a *attempt, rec domain.AuditRecord) {
	if a.nested {
		a.root.mu.Lock()
		a.root.pending = append(a.root.pending, rec)
		a.root.mu.Unlock()
		return
	}
	e.persist(ctx, a, rec)
}

func (e *Executor) persist(ctx context.Context, a *attempt, rec domain.AuditRecord) {
	if _, err := e.audit.Record(ctx, rec); err != nil {
		e.auditFailed(rec, err)
	}
}

// auditFailed: отказ журнала не меняет исход операции для вызывающего.
func (e *Executor) auditFailed(rec domain.AuditRecord, err error) {
	if errors.Is(err, audit.ErrDegraded) {
		e.metrics.AuditDegraded.Inc()
	}
	e.logger.Error("audit record not persisted",
		zap.String("record_id", rec.ID),
		zap.String("outcome", string(rec.Outcome)),
		zap.Error(err),
	)
}

func (e *Executor) newRecord(ctx context.Context, a *attempt, outcome domain.Outcome, sev domain.Severity) domain.AuditRecord {
	now := e.clock.Now()
	rec := domain.AuditRecord{
		ID:               a.id,
		OperationName:    a.sc.OperationName(),
		ActorID:          a.sc.ActorID(),
		SanitizedContext: a.sc.Fields(),
		Outcome:          outcome,
		Severity:         sev,
		DurationMs:       now.Sub(a.started).Milliseconds(),
		CreatedAt:        now,
	}
	if e.snapshots != nil {
		rec.Snapshot = e.snapshots.Snapshot(ctx)
	}
	if a.nested {
		rec.Tags = append(rec.Tags, "nested")
	}
	return rec
}

func (e *Executor) recordThreat(ctx context.Context, a *attempt, ev domain.EventType, sev domain.Severity) {
	if e.threats == nil || ev == "" {
		return
	}
	err := e.threats.RecordEvent(ctx, domain.ThreatEvent{
		Type:       ev,
		ActorID:    a.sc.ActorID(),
		Severity:   sev,
		Confidence: 1,
		At:         e.clock.Now(),
	})
	if err != nil {
		a.logger.Warn("threat event not recorded", zap.String("event", string(ev)), zap.Error(err))
		return
	}
	if snap, err := e.threats.Score(ctx); err == nil {
		e.metrics.ThreatScore.Set(float64(snap.Score))
	}
}

func (e *Executor) countError(a *attempt, de *domain.Error, outcome domain.Outcome) {
	e.metrics.ErrorTotal.WithLabelValues(string(de.Kind), string(de.Class)).Inc()
	e.observe(a, outcome)
}

func (e *Executor) observe(a *attempt, outcome domain.Outcome) {
	e.metrics.ExecTotal.WithLabelValues(a.sc.OperationName(), string(outcome)).Inc()
	e.metrics.ExecDuration.WithLabelValues(a.sc.OperationName(), string(outcome)).Observe(e.clock.Now().Sub(a.started).Seconds())
}

func (e *Executor) transition(a *attempt, s State) {
	e.metrics.StateTransitions.WithLabelValues(string(s)).Inc()
	a.logger.Debug("state", zap.String("state", string(s)))
}

func alertSeverity(a *domain.Alert) domain.Severity {
	if a == nil {
		return domain.SeverityInfo
	}
	return a.Severity
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("operation panicked: %v", p.value) }

// toDomainError приводит любой отказ к единому виду. Текст чужой ошибки
// наружу не попадает, только в cause.
func toDomainError(err error) *domain.Error {
	var de *domain.Error
	if errors.As(err, &de) {
		if de.Kind == domain.KindOperationFailure && de.Class == domain.ClassNone {
			cp := *de
			cp.Class = domain.ClassFatal
			return &cp
		}
		return de
	}

	var pe *panicError
	if errors.As(err, &pe) {
		return domain.Wrap(domain.KindOperationFailure, domain.ClassFatal, "operation panicked", err).WithTags(TagPanic)
	}
	if domain.IsTransient(err) {
		return domain.Wrap(domain.KindOperationFailure, domain.ClassTransient, "operation failed, retry is safe", err)
	}
	return domain.Wrap(domain.KindOperationFailure, domain.ClassFatal, "operation failed", err)
}

// causeOf: исходная ошибка для аудита и логов.
func causeOf(de *domain.Error) error {
	if c := de.Cause(); c != nil {
		return c
	}
	return de
}

// eventOf сопоставляет отказ событию угрозы.
func eventOf(de *domain.Error) domain.EventType {
	if de.Event != "" {
		return de.Event
	}
	switch {
	case de.Kind == domain.KindIntegrityError:
		return domain.EventDataViolation
	case de.Kind == domain.KindPermissionDenied:
		return domain.EventUnauthorizedAccess
	case de.Kind == domain.KindMalformedContext:
		return domain.EventMalformedInput
	case de.Class == domain.ClassTransient:
		return domain.EventAnomaly
	}
	return domain.EventSystemFailure
}
