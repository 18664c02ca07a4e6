package alert

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/monitor"
)

type memSink struct {
	name  string
	fail  atomic.Bool
	calls atomic.Int64
	mu    sync.Mutex
	got   []domain.Alert
}

func (s *memSink) Name() string { return s.name }

func (s *memSink) Send(_ context.Context, a domain.Alert) error {
	s.calls.Add(1)
	if s.fail.Load() {
		return errors.New("sink down")
	}
	s.mu.Lock()
	s.got = append(s.got, a)
	s.mu.Unlock()
	return nil
}

func (s *memSink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func warning(metric string) domain.Alert {
	return domain.Alert{Metric: metric, Value: 2, Threshold: 1, OperationID: "op", Severity: domain.SeverityWarning}
}

func TestDispatcher_FanOutAndBreaker(t *testing.T) {
	metrics := monitor.NewMetrics(prometheus.NewRegistry())
	good := &memSink{name: "good"}
	bad := &memSink{name: "bad"}
	bad.fail.Store(true)

	d := NewDispatcher(Config{RatePerSecond: 1000, Burst: 1000, BreakerTimeout: time.Hour}, metrics, zap.NewNop(), good, bad)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d.Notify(ctx, warning("duration_ms"))
	}

	assert.Equal(t, 5, good.received(), "a failing sink does not block the others")
	// после трех отказов подряд предохранитель открыт и канал больше не вызывается
	assert.Equal(t, int64(3), bad.calls.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.AlertsDropped.WithLabelValues("bad", "send_failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.AlertsDropped.WithLabelValues("bad", "breaker_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("bad")))
}

func TestDispatcher_ThrottlesButNeverCritical(t *testing.T) {
	sink := &memSink{name: "mem"}
	d := NewDispatcher(Config{RatePerSecond: 0.001, Burst: 1}, nil, zap.NewNop(), sink)
	ctx := context.Background()

	d.Notify(ctx, warning("a"))
	d.Notify(ctx, warning("b"))
	assert.Equal(t, 1, sink.received())

	d.Notify(ctx, domain.Alert{Metric: "security_breach", Severity: domain.SeverityCritical})
	d.Notify(ctx, domain.Alert{Metric: "security_breach", Severity: domain.SeverityCritical})
	assert.Equal(t, 3, sink.received())
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, "test-alerts")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	s := NewRedisSink(rdb, "test-alerts")
	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, s.Send(ctx, warning(m)))
	}

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Metric)
	assert.Equal(t, "b", recent[1].Metric)

	select {
	case msg := <-sub.Channel():
		var a domain.Alert
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &a))
		assert.Equal(t, "a", a.Metric)
	case <-time.After(time.Second):
		t.Fatal("alert was not published")
	}
}

func TestKafkaSink(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var a domain.Alert
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		if a.Metric != "memory_delta_bytes" {
			return errors.New("unexpected metric " + a.Metric)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := NewKafkaSink(producer, "opgate.alerts")
	ctx := context.Background()

	assert.NoError(t, s.Send(ctx, warning("memory_delta_bytes")))
	assert.ErrorIs(t, s.Send(ctx, warning("memory_delta_bytes")), sarama.ErrOutOfBrokers)
	require.NoError(t, s.Close())
}

func TestLogSink(t *testing.T) {
	s := NewLogSink(zap.NewNop())
	assert.Equal(t, "log", s.Name())
	assert.NoError(t, s.Send(context.Background(), warning("x")))
}
