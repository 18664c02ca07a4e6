// Package alert доставляет алерты и уведомления эскалации в подключенные каналы.
package alert

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/monitor"
)

// Sink: канал доставки (AlertSink).
type Sink interface {
	Name() string
	Send(ctx context.Context, a domain.Alert) error
}

type guardedSink struct {
	sink Sink
	cb   *gobreaker.CircuitBreaker
}

// Config: ограничения Dispatcher.
type Config struct {
	RatePerSecond  float64
	Burst          int
	BreakerTimeout time.Duration
	SendTimeout    time.Duration
}

// Dispatcher рассылает алерт во все каналы. Каждый канал закрыт своим
// предохранителем, поток некритичных алертов ограничен token bucket.
// Critical доставляется всегда, мимо лимитера.
type Dispatcher struct {
	sinks   []guardedSink
	limiter *rate.Limiter
	timeout time.Duration
	metrics *monitor.Metrics
	logger  *zap.Logger
}

func NewDispatcher(cfg Config, metrics *monitor.Metrics, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 3 * time.Second
	}

	d := &Dispatcher{
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		timeout: cfg.SendTimeout,
		metrics: metrics,
		logger:  logger.Named("alerts"),
	}

	for _, s := range sinks {
		name := s.Name()
		cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "alert-" + name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     cfg.BreakerTimeout, // Время, через которое CB попробует "закрыться"
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				d.logger.Warn("alert sink breaker state changed",
					zap.String("sink", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				if d.metrics != nil {
					d.metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
				}
			},
		})
		d.sinks = append(d.sinks, guardedSink{sink: s, cb: cb})
	}
	return d
}

// Notify не возвращает ошибку: отказ канала логируется и считается в метриках,
// остальные каналы получают алерт независимо.
func (d *Dispatcher) Notify(ctx context.Context, a domain.Alert) {
	if a.Severity < domain.SeverityCritical && !d.limiter.Allow() {
		d.logger.Warn("alert throttled", zap.String("metric", a.Metric), zap.String("operation_id", a.OperationID))
		d.dropped("all", "throttled")
		return
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	for _, g := range d.sinks {
		_, err := g.cb.Execute(func() (interface{}, error) {
			return nil, g.sink.Send(sctx, a)
		})
		if err == nil {
			continue
		}
		reason := "send_failed"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = "breaker_open"
		}
		d.logger.Error("alert delivery failed",
			zap.String("sink", g.sink.Name()),
			zap.String("metric", a.Metric),
			zap.String("reason", reason),
			zap.Error(err),
		)
		d.dropped(g.sink.Name(), reason)
	}
}

// breakerGauge: 0 - закрыт, 1 - открыт, 2 - полуоткрыт.
func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	}
	return 0
}

func (d *Dispatcher) dropped(sink, reason string) {
	if d.metrics != nil {
		d.metrics.AlertsDropped.WithLabelValues(sink, reason).Inc()
	}
}
