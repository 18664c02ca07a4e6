// Package monitor следит за ресурсными метриками одного исполнения
// (длительность, прирост памяти) и поднимает алерты при превышении порогов.
package monitor

import (
	"context"
	"runtime/metrics"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/domain"
)

// Имена метрик, которые снимает исполнитель.
const (
	MetricDurationMs       = "duration_ms"
	MetricMemoryDeltaBytes = "memory_delta_bytes"
)

// Notifier: получатель алертов (alert.Dispatcher).
type Notifier interface {
	Notify(ctx context.Context, a domain.Alert)
}

type ThresholdMonitor struct {
	mu         sync.RWMutex
	thresholds map[string]float64

	notifier Notifier
	clock    domain.Clock
	metrics  *Metrics
	logger   *zap.Logger
}

func NewThresholdMonitor(thresholds map[string]float64, notifier Notifier, clock domain.Clock, metrics *Metrics, logger *zap.Logger) *ThresholdMonitor {
	m := &ThresholdMonitor{
		thresholds: make(map[string]float64, len(thresholds)),
		notifier:   notifier,
		clock:      clock,
		metrics:    metrics,
		logger:     logger.Named("monitor"),
	}
	for k, v := range thresholds {
		m.thresholds[k] = v
	}
	return m
}

// SetThreshold меняет порог на лету. limit <= 0 снимает контроль метрики.
func (m *ThresholdMonitor) SetThreshold(name string, limit float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		delete(m.thresholds, name)
		return
	}
	m.thresholds[name] = limit
}

// RecordMetric сравнивает значение с порогом. При превышении алерт синхронно
// уходит в Notifier и возвращается вызывающему, чтобы поднять severity записи аудита.
// Warning при превышении, Critical при значении от двух порогов и выше.
func (m *ThresholdMonitor) RecordMetric(ctx context.Context, operationID, name string, value float64) *domain.Alert {
	m.mu.RLock()
	limit, ok := m.thresholds[name]
	m.mu.RUnlock()

	if !ok || value <= limit {
		return nil
	}

	sev := domain.SeverityWarning
	if value >= 2*limit {
		sev = domain.SeverityCritical
	}
	a := &domain.Alert{
		Metric:      name,
		Value:       value,
		Threshold:   limit,
		OperationID: operationID,
		Severity:    sev,
		RaisedAt:    m.clock.Now(),
	}

	m.logger.Warn("threshold exceeded",
		zap.String("metric", name),
		zap.Float64("value", value),
		zap.Float64("threshold", limit),
		zap.String("operation_id", operationID),
		zap.Stringer("severity", sev),
	)
	if m.metrics != nil {
		m.metrics.AlertsTotal.WithLabelValues(name, sev.String()).Inc()
	}
	if m.notifier != nil {
		m.notifier.Notify(ctx, *a)
	}
	return a
}

// Sample: замер одного исполнения: время и прирост heap.
// Счетчик выделений общий на процесс: при параллельных исполнениях прирост
// включает чужие выделения и служит оценкой сверху.
type Sample struct {
	start time.Time
	heap  uint64
}

const heapAllocsMetric = "/gc/heap/allocs:bytes"

// heapAllocs читает накопленный объем выделений без stop-the-world (в отличие от ReadMemStats).
func heapAllocs() uint64 {
	s := []metrics.Sample{{Name: heapAllocsMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}

// StartSample фиксирует исходную точку замера.
func StartSample() Sample {
	return Sample{start: time.Now(), heap: heapAllocs()}
}

// Stop возвращает длительность и объем памяти, выделенной за время замера.
// Счетчик монотонен, поэтому прирост не уходит в минус после сборки мусора.
func (s Sample) Stop() (time.Duration, uint64) {
	now := heapAllocs()
	if now < s.heap {
		return time.Since(s.start), 0
	}
	return time.Since(s.start), now - s.heap
}
