package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/domain"
)

// ErrDegraded: запись не попала в хранилище сразу и ушла в спул (или потеряна).
// Вызывающий не должен считать это отказом бизнес-операции.
var ErrDegraded = errors.New("audit: degraded, record not persisted synchronously")

// ErrNotFound: записи с таким ID нет.
var ErrNotFound = errors.New("audit: record not found")

// Filter: условия выборки журнала. Пустые поля не фильтруют.
type Filter struct {
	ActorID       string
	OperationName string
	Outcome       domain.Outcome
	Since         time.Time
	Until         time.Time
}

// Cursor: позиция keyset пагинации (created_at DESC, seq DESC).
type Cursor struct {
	CreatedAt time.Time
	Seq       int64
}

// Store: хранилище журнала только на добавление (AuditSink) плюс чтение.
type Store interface {
	BatchWriter
	Append(ctx context.Context, rec domain.AuditRecord) (int64, error)
	Page(ctx context.Context, f Filter, after *Cursor, limit int) ([]domain.AuditRecord, error)
	Get(ctx context.Context, id string) (domain.AuditRecord, error)
}

// Notifier: получатель алертов о деградации журнала.
type Notifier interface {
	Notify(ctx context.Context, a domain.Alert)
}

type Option func(*Trail)

func WithSpool(s *Spool) Option             { return func(t *Trail) { t.spool = s } }
func WithNotifier(n Notifier) Option        { return func(t *Trail) { t.notifier = n } }
func WithPageSize(n int) Option             { return func(t *Trail) { t.pageSize = n } }
func WithAttempts(n uint) Option            { return func(t *Trail) { t.attempts = n } }
func WithRetryDelay(d time.Duration) Option { return func(t *Trail) { t.delay = d } }

// Trail: журнал аудита с защитой от подмены.
type Trail struct {
	store    Store
	hasher   *Hasher
	ids      domain.IDGen
	clock    domain.Clock
	spool    *Spool
	notifier Notifier
	logger   *zap.Logger

	pageSize int
	attempts uint
	delay    time.Duration
}

func NewTrail(store Store, hasher *Hasher, ids domain.IDGen, clock domain.Clock, logger *zap.Logger, opts ...Option) *Trail {
	t := &Trail{
		store:    store,
		hasher:   hasher,
		ids:      ids,
		clock:    clock,
		logger:   logger.Named("audit"),
		pageSize: 100,
		attempts: 3,
		delay:    20 * time.Millisecond,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Seal дополняет запись (ID, время, очищенные данные) и подписывает ее.
func (t *Trail) Seal(rec domain.AuditRecord) domain.AuditRecord {
	if rec.ID == "" {
		rec.ID = t.ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.clock.Now()
	}
	rec.CreatedAt = domain.NormalizeTime(rec.CreatedAt)
	rec.Snapshot.TakenAt = domain.NormalizeTime(rec.Snapshot.TakenAt)

	data, err := normalizeData(Sanitize(rec.SanitizedContext))
	if err != nil {
		t.logger.Warn("audit payload is not serializable", zap.String("record_id", rec.ID), zap.Error(err))
		data = map[string]any{"unserializable": true}
		rec.Tags = append(rec.Tags, "payload_unserializable")
	}
	rec.SanitizedContext = data

	sum, err := t.hasher.Sum(rec)
	if err != nil {
		// после normalizeData сериализация не падает
		t.logger.DPanic("audit hash failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
	rec.Hash = sum
	return rec
}

// Record подписывает и сохраняет запись. Запись не теряется молча: при отказе
// хранилища она уходит в спул, лог получает DPanic, поднимается алерт
// audit_degraded, а вызывающий получает ErrDegraded.
func (t *Trail) Record(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error) {
	rec = t.Seal(rec)

	// запись аудита переживает отмену контекста операции (таймаут, обрыв клиента)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := retry.New(
		retry.Context(wctx),
		retry.Attempts(t.attempts),
		retry.Delay(t.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		seq, err := t.store.Append(wctx, rec)
		if err != nil {
			return err
		}
		rec.Seq = seq
		return nil
	})
	if err == nil {
		return rec, nil
	}

	spooled := t.spool != nil && t.spool.Enqueue(rec)
	t.logger.DPanic("audit write failed",
		zap.String("record_id", rec.ID),
		zap.String("type", rec.OperationName),
		zap.String("outcome", string(rec.Outcome)),
		zap.Bool("spooled", spooled),
		zap.Error(err),
	)

	if t.notifier != nil {
		var depth float64
		if t.spool != nil {
			depth = float64(t.spool.Depth())
		}
		t.notifier.Notify(wctx, domain.Alert{
			Metric:      "audit_degraded",
			Value:       depth,
			OperationID: rec.ID,
			Severity:    domain.SeverityCritical,
			RaisedAt:    t.clock.Now(),
		})
	}
	return rec, fmt.Errorf("%w: %v", ErrDegraded, err)
}

// Verify: проверка подписи записи за постоянное время.
func (t *Trail) Verify(rec domain.AuditRecord) bool {
	return t.hasher.Verify(rec)
}

// Get читает запись по ID.
func (t *Trail) Get(ctx context.Context, id string) (domain.AuditRecord, error) {
	return t.store.Get(ctx, id)
}

// VerifyStored читает запись из хранилища и проверяет ее.
func (t *Trail) VerifyStored(ctx context.Context, id string) (bool, error) {
	rec, err := t.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return t.hasher.Verify(rec), nil
}

// Query: ленивая конечная последовательность, новые записи первыми.
// Каждый проход заново читает хранилище постранично.
func (t *Trail) Query(ctx context.Context, f Filter) iter.Seq2[domain.AuditRecord, error] {
	return func(yield func(domain.AuditRecord, error) bool) {
		var cur *Cursor
		for {
			page, err := t.store.Page(ctx, f, cur, t.pageSize)
			if err != nil {
				yield(domain.AuditRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < t.pageSize {
				return
			}
			last := page[len(page)-1]
			cur = &Cursor{CreatedAt: last.CreatedAt, Seq: last.Seq}
		}
	}
}
