package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	resubscribeDelay = 5 * time.Second
	reconnectDelay   = time.Second
)

// lockSignal: сообщение канала блокировок: "<actor_id>:<on|off>".
type lockSignal struct {
	actorID string
	locked  bool
}

// parseLockSignal режет по последнему двоеточию: actor_id может содержать свои.
func parseLockSignal(payload string) (lockSignal, bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 {
		return lockSignal{}, false
	}
	status := payload[i+1:]
	return lockSignal{actorID: payload[:i], locked: status == "on" || status == "true"}, true
}

func formatLockSignal(actorID string, locked bool) string {
	if locked {
		return actorID + ":on"
	}
	return actorID + ":off"
}

// followLockSignals держит подписку на канал блокировок до отмены ctx.
// После каждой (пере)подписки вызывается resync: сигналы, пропущенные за время
// разрыва, восстанавливаются из общего множества.
func followLockSignals(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	resync func() error,
	apply func(lockSignal),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("lockout subscribe failed", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, resubscribeDelay) {
				return
			}
			continue
		}

		if err := resync(); err != nil {
			logger.Error("lockout resync failed", zap.Error(err))
		}

		drain(ctx, pubsub.Channel(), logger, apply)
		_ = pubsub.Close()

		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func drain(ctx context.Context, ch <-chan *redis.Message, logger *zap.Logger, apply func(lockSignal)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sig, ok := parseLockSignal(msg.Payload)
			if !ok {
				logger.Warn("malformed lockout signal", zap.String("payload", msg.Payload))
				continue
			}
			apply(sig)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
