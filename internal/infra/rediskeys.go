package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "opgate"
)

// Ключи для Sets и кэша (состояние)
const (
	RedisKeyLockedActors    = RedisNamespace + ":actors:locked_set"
	RedisKeyThreatGen       = RedisNamespace + ":threat:generation"
	RedisKeyThreatHistory   = RedisNamespace + ":threat:history"
	RedisKeyAlertsRecent    = RedisNamespace + ":alerts:recent"
	redisKeyRateLimitPrefix = RedisNamespace + ":ratelimit:"
	redisKeyThreatPrefix    = RedisNamespace + ":threat:"
)

// Каналы Pub/Sub (события)
const (
	RedisChanLockout = RedisNamespace + ":actors:lockout-signal"
	RedisChanAlerts  = RedisNamespace + ":alerts"
)

// RateLimitKey: счетчик попыток для пары (actor, operation).
func RateLimitKey(actorID, operation string) string {
	return fmt.Sprintf("%s%s:%s", redisKeyRateLimitPrefix, operation, actorID)
}

// ThreatScoreKey: кэш оценки для конкретного поколения событий.
func ThreatScoreKey(generation string) string {
	return fmt.Sprintf("%sscore:%s", redisKeyThreatPrefix, generation)
}

// ThreatCategoryKey: ZSET событий категории (score = unix millis).
func ThreatCategoryKey(category string) string {
	return fmt.Sprintf("%sevents:%s", redisKeyThreatPrefix, category)
}
