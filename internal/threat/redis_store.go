package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/infra"
)

// RedisEventStore: ZSET на категорию (score = unix millis), LIST для истории.
// Общий для всех инстансов, поэтому оценка одинакова в кластере.
type RedisEventStore struct {
	rdb *redis.Client
}

func NewRedisEventStore(rdb *redis.Client) *RedisEventStore {
	return &RedisEventStore{rdb: rdb}
}

func (s *RedisEventStore) Add(ctx context.Context, cat domain.ThreatCategory, at time.Time, retain time.Duration) error {
	key := infra.ThreatCategoryKey(string(cat))
	ms := at.UnixMilli()

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(ms), Member: uuid.NewString()})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(ms-retain.Milliseconds(), 10))
		pipe.PExpire(ctx, key, retain)
		return nil
	})
	if err != nil {
		return fmt.Errorf("threat: add %s: %w", cat, err)
	}
	return nil
}

func (s *RedisEventStore) Count(ctx context.Context, cat domain.ThreatCategory, since time.Time) (int64, error) {
	n, err := s.rdb.ZCount(ctx, infra.ThreatCategoryKey(string(cat)),
		strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("threat: count %s: %w", cat, err)
	}
	return n, nil
}

func (s *RedisEventStore) AppendHistory(ctx context.Context, e domain.ThreatHistoryEntry, size int, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("threat: marshal history: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, infra.RedisKeyThreatHistory, raw)
		if size > 0 {
			pipe.LTrim(ctx, infra.RedisKeyThreatHistory, 0, int64(size-1))
		}
		if ttl > 0 {
			pipe.PExpire(ctx, infra.RedisKeyThreatHistory, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("threat: append history: %w", err)
	}
	return nil
}

func (s *RedisEventStore) History(ctx context.Context, limit int) ([]domain.ThreatHistoryEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	vals, err := s.rdb.LRange(ctx, infra.RedisKeyThreatHistory, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("threat: history: %w", err)
	}

	out := make([]domain.ThreatHistoryEntry, 0, len(vals))
	for _, v := range vals {
		var e domain.ThreatHistoryEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue // битые записи пропускаем
		}
		out = append(out, e)
	}
	return out, nil
}
