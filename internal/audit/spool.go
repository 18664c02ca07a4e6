package audit

/*
Spool — буфер деградированного режима для записей аудита.

Если основная запись в хранилище не удалась даже после повторов, запись
попадает сюда, а фоновый воркер пытается сбросить накопленное пачками.
Бизнес-транзакция к этому моменту уже зафиксирована и не откатывается.

Останов по схеме drain: вход закрывается, воркер вычитывает канал до конца
и делает финальный flush. Неудачные пачки удерживаются до следующего тика
в пределах емкости буфера.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/domain"
)

const spoolBatchSize = 100

// BatchWriter: пакетная вставка, которую реализует репозиторий.
type BatchWriter interface {
	AppendBatch(ctx context.Context, recs []domain.AuditRecord) error
}

type Spool struct {
	ch       chan domain.AuditRecord
	w        BatchWriter
	interval time.Duration
	capacity int
	logger   *zap.Logger
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	depth atomic.Int64
}

func NewSpool(w BatchWriter, capacity int, interval time.Duration, logger *zap.Logger) *Spool {
	if capacity <= 0 {
		capacity = 10000
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Spool{
		ch:       make(chan domain.AuditRecord, capacity),
		w:        w,
		interval: interval,
		capacity: capacity,
		logger:   logger.With(zap.String("mod", "audit-spool")),
	}
}

func (s *Spool) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop закрывает вход и ждет финального сброса.
func (s *Spool) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.logger.Info("stopping audit spool: flushing buffer...")
	s.wg.Wait()
	s.logger.Info("audit spool stopped")
}

// Enqueue не блокирует. false — запись не принята (буфер полон или спул остановлен).
func (s *Spool) Enqueue(rec domain.AuditRecord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- rec:
		s.depth.Add(1)
		return true
	default:
		return false
	}
}

// Depth: записи, которые еще не попали в хранилище.
func (s *Spool) Depth() int64 { return s.depth.Load() }

func (s *Spool) worker() {
	defer s.wg.Done()

	batch := make([]domain.AuditRecord, 0, spoolBatchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// flush пишет пачками не больше spoolBatchSize: накопленный за время
	// простоя хвост одним запросом упирается в лимит параметров драйвера.
	flush := func() {
		for len(batch) > 0 {
			n := min(len(batch), spoolBatchSize)
			// Background: контекст вызывающего к этому моменту уже может быть отменен
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.w.AppendBatch(ctx, batch[:n])
			cancel()

			if err != nil {
				s.logger.Error("audit spool flush failed", zap.Int("pending", len(batch)), zap.Error(err))
				if len(batch) > s.capacity {
					dropped := len(batch) - s.capacity
					for _, r := range batch[:dropped] {
						s.logger.DPanic("audit record lost", zap.String("record_id", r.ID), zap.String("type", r.OperationName))
					}
					batch = append(batch[:0], batch[dropped:]...)
					s.depth.Add(-int64(dropped))
				}
				return
			}
			s.depth.Add(-int64(n))
			batch = append(batch[:0], batch[n:]...)
		}
	}

	for {
		select {
		case rec, ok := <-s.ch:
			if !ok {
				flush()
				for _, r := range batch {
					s.logger.DPanic("audit record lost on shutdown", zap.String("record_id", r.ID), zap.String("type", r.OperationName))
				}
				return
			}
			batch = append(batch, rec)
			// при недоступном хранилище хвост растет: повтор раз в пачку, а не на каждую запись
			if len(batch)%spoolBatchSize == 0 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
