package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/infra"
)

// LogSink пишет алерт в лог. Уровень зависит от severity.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alert-log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, a domain.Alert) error {
	fields := []zap.Field{
		zap.String("metric", a.Metric),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold),
		zap.String("operation_id", a.OperationID),
		zap.Stringer("severity", a.Severity),
		zap.Time("raised_at", a.RaisedAt),
	}
	if a.Severity >= domain.SeverityCritical {
		s.logger.Error("ALERT", fields...)
	} else {
		s.logger.Warn("alert", fields...)
	}
	return nil
}

// RedisSink публикует алерт в канал и держит короткий список последних алертов для консоли.
type RedisSink struct {
	rdb     *redis.Client
	channel string
	keep    int64
}

func NewRedisSink(rdb *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = infra.RedisChanAlerts
	}
	return &RedisSink{rdb: rdb, channel: channel, keep: 200}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, a domain.Alert) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: marshal: %w", err)
	}
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, s.channel, raw)
		pipe.LPush(ctx, infra.RedisKeyAlertsRecent, raw)
		pipe.LTrim(ctx, infra.RedisKeyAlertsRecent, 0, s.keep-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("alert: redis publish: %w", err)
	}
	return nil
}

// Recent: последние алерты, новые первыми.
func (s *RedisSink) Recent(ctx context.Context, limit int64) ([]domain.Alert, error) {
	vals, err := s.rdb.LRange(ctx, infra.RedisKeyAlertsRecent, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("alert: recent: %w", err)
	}
	out := make([]domain.Alert, 0, len(vals))
	for _, v := range vals {
		var a domain.Alert
		if err := json.Unmarshal([]byte(v), &a); err == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

// KafkaSink отправляет алерт в топик. Ключ — метрика, чтобы алерты одной метрики шли по порядку.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// NewKafkaProducer: синхронный продюсер с подтверждением от всех реплик.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("alert: kafka producer: %w", err)
	}
	return p, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(_ context.Context, a domain.Alert) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: marshal: %w", err)
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(a.Metric),
		Value: sarama.ByteEncoder(raw),
	})
	if err != nil {
		return fmt.Errorf("alert: kafka send: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error { return s.producer.Close() }
