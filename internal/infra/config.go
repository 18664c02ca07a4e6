package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации ядра критических операций.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Audit      AuditConfig      `mapstructure:"audit"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Threat     ThreatConfig     `mapstructure:"threat"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Validation ValidationConfig `mapstructure:"validation"`
}

// ServerConfig описывает консоль и эндпоинт метрик.
type ServerConfig struct {
	ConsoleAddr  string        `mapstructure:"console_addr"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig: счетчики лимитов, кэш оценки угроз, блокировки акторов.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig: опциональный канал доставки алертов.
type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	AlertTopic string   `mapstructure:"alert_topic"`
}

// AuthConfig: RSA ключи JWT. Закрытый ключ нужен только для выдачи токенов при входе.
type AuthConfig struct {
	PublicKeyPath   string        `mapstructure:"public_key_path"`
	PrivateKeyPath  string        `mapstructure:"private_key_path"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"` // перечитывание прав из БД
	PublicKey       []byte
	PrivateKey      []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// AuditConfig: ключ HMAC и параметры буфера деградированного режима.
type AuditConfig struct {
	HMACKey       string        `mapstructure:"hmac_key"`
	SpoolSize     int           `mapstructure:"spool_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	PageSize      int           `mapstructure:"page_size"`
}

// RateLimitClass: политика для класса операций (например, login).
type RateLimitClass struct {
	MaxAttempts    int64         `mapstructure:"max_attempts"`
	Window         time.Duration `mapstructure:"window"`
	Lockout        time.Duration `mapstructure:"lockout"`
	ResetOnSuccess bool          `mapstructure:"reset_on_success"`
}

type RateLimitConfig struct {
	Default RateLimitClass            `mapstructure:"default"`
	Classes map[string]RateLimitClass `mapstructure:"classes"` // имя операции -> политика
}

type ThreatCategoryConfig struct {
	Weight float64       `mapstructure:"weight"`
	Window time.Duration `mapstructure:"window"`
}

type ThreatConfig struct {
	SecurityViolation ThreatCategoryConfig `mapstructure:"security_violation"`
	SuspiciousAccess  ThreatCategoryConfig `mapstructure:"suspicious_access"`
	SystemAnomaly     ThreatCategoryConfig `mapstructure:"system_anomaly"`
	AttackIndicator   ThreatCategoryConfig `mapstructure:"attack_indicator"`
	SeverityFloor     string               `mapstructure:"severity_floor"`
	ConfidenceFloor   float64              `mapstructure:"confidence_floor"`
	CacheTTL          time.Duration        `mapstructure:"cache_ttl"`
	CriticalThreshold int                  `mapstructure:"critical_threshold"`
	HistorySize       int                  `mapstructure:"history_size"`
	HistoryTTL        time.Duration        `mapstructure:"history_ttl"`
}

type MonitorConfig struct {
	Thresholds map[string]float64 `mapstructure:"thresholds"`
}

type AlertsConfig struct {
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	RedisChannel   string        `mapstructure:"redis_channel"`
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
}

type ExecutorConfig struct {
	DefaultDeadline time.Duration `mapstructure:"default_deadline"`
	AuditDenied     bool          `mapstructure:"audit_denied"`
	LockoutOnBreach bool          `mapstructure:"lockout_on_breach"`
}

// ValidationConfig: каталог JSON Schema вида <operation>.json.
type ValidationConfig struct {
	SchemasDir string `mapstructure:"schemas_dir"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// AUDIT_HMAC_KEY=... перекроет audit.hmac_key
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отсекает конфигурации, с которыми ядро не может гарантировать свои инварианты.
func (c *Config) Validate() error {
	if len(c.Audit.HMACKey) < 32 {
		return errors.New("config: audit.hmac_key must be at least 32 bytes")
	}
	if c.RateLimit.Default.MaxAttempts <= 0 || c.RateLimit.Default.Window <= 0 {
		return errors.New("config: ratelimit.default requires max_attempts and window")
	}
	if c.Threat.CriticalThreshold < 0 || c.Threat.CriticalThreshold > 100 {
		return errors.New("config: threat.critical_threshold must be within [0,100]")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Ключи без осмысленного значения по умолчанию все равно регистрируем,
	// иначе AutomaticEnv не увидит их при Unmarshal.
	for _, key := range []string{
		"database.url", "redis.password", "audit.hmac_key",
		"auth.public_key_path", "auth.private_key_path", "validation.schemas_dir",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("kafka.brokers", []string{})

	v.SetDefault("server.console_addr", ":8000")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("kafka.alert_topic", "opgate.alerts")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.refresh_interval", 30*time.Second)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("audit.spool_size", 10000)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("audit.page_size", 100)

	v.SetDefault("ratelimit.default.max_attempts", 60)
	v.SetDefault("ratelimit.default.window", time.Minute)
	v.SetDefault("ratelimit.classes.login.max_attempts", 5)
	v.SetDefault("ratelimit.classes.login.window", 15*time.Minute)
	v.SetDefault("ratelimit.classes.login.lockout", time.Hour)
	v.SetDefault("ratelimit.classes.login.reset_on_success", true)

	v.SetDefault("threat.security_violation.weight", 10)
	v.SetDefault("threat.security_violation.window", time.Hour)
	v.SetDefault("threat.suspicious_access.weight", 5)
	v.SetDefault("threat.suspicious_access.window", 15*time.Minute)
	v.SetDefault("threat.system_anomaly.weight", 3)
	v.SetDefault("threat.system_anomaly.window", time.Hour)
	v.SetDefault("threat.attack_indicator.weight", 15)
	v.SetDefault("threat.attack_indicator.window", 30*time.Minute)
	v.SetDefault("threat.severity_floor", "high")
	v.SetDefault("threat.confidence_floor", 0.7)
	v.SetDefault("threat.cache_ttl", 5*time.Minute)
	v.SetDefault("threat.critical_threshold", 80)
	v.SetDefault("threat.history_size", 100)
	v.SetDefault("threat.history_ttl", 24*time.Hour)

	v.SetDefault("monitor.thresholds", map[string]float64{
		"duration_ms":        2000,
		"memory_delta_bytes": 64 << 20,
	})

	v.SetDefault("alerts.rate_per_second", 5)
	v.SetDefault("alerts.burst", 20)
	v.SetDefault("alerts.redis_channel", RedisChanAlerts)
	v.SetDefault("alerts.breaker_timeout", 30*time.Second)

	v.SetDefault("executor.default_deadline", 30*time.Second)
	v.SetDefault("executor.lockout_on_breach", true)
}

// loadKeyResource: сначала PEM прямо из ENV (Docker/K8s), затем файл по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
