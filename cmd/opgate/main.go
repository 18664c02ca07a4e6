package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/opgate/internal/alert"
	"github.com/xela07ax/opgate/internal/audit"
	"github.com/xela07ax/opgate/internal/auth"
	"github.com/xela07ax/opgate/internal/cache"
	"github.com/xela07ax/opgate/internal/console/handler"
	"github.com/xela07ax/opgate/internal/console/server"
	"github.com/xela07ax/opgate/internal/console/service"
	"github.com/xela07ax/opgate/internal/domain"
	"github.com/xela07ax/opgate/internal/engine"
	"github.com/xela07ax/opgate/internal/infra"
	"github.com/xela07ax/opgate/internal/monitor"
	"github.com/xela07ax/opgate/internal/ratelimit"
	"github.com/xela07ax/opgate/internal/repository/postgres"
	"github.com/xela07ax/opgate/internal/threat"
	"github.com/xela07ax/opgate/internal/validation"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(appCtx, cfg, logger); err != nil {
		logger.Fatal("opgate stopped with error", zap.Error(err))
	}
	logger.Info("opgate exited properly")
}

func run(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	clock := domain.SystemClock{}
	ids := domain.UUIDGen{}

	// 1. Инфраструктура и ресурсы
	db, err := postgres.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	kv := cache.NewRedisCache(rdb)

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)

	// 2. Алерты: лог, Redis pub/sub и, если заданы брокеры, Kafka
	redisSink := alert.NewRedisSink(rdb, cfg.Alerts.RedisChannel)
	sinks := []alert.Sink{alert.NewLogSink(logger), redisSink}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := alert.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		kafkaSink := alert.NewKafkaSink(producer, cfg.Kafka.AlertTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	dispatcher := alert.NewDispatcher(alert.Config{
		RatePerSecond:  cfg.Alerts.RatePerSecond,
		Burst:          cfg.Alerts.Burst,
		BreakerTimeout: cfg.Alerts.BreakerTimeout,
	}, metrics, logger, sinks...)

	// 3. Журнал аудита
	hasher, err := audit.NewHasher([]byte(cfg.Audit.HMACKey))
	if err != nil {
		return err
	}
	auditRepo := postgres.NewAuditRepo(db)
	spool := audit.NewSpool(auditRepo, cfg.Audit.SpoolSize, cfg.Audit.FlushInterval, logger)
	spool.Start()
	defer spool.Stop()
	go watchSpool(ctx, spool, metrics, cfg.Audit.FlushInterval)

	trail := audit.NewTrail(auditRepo, hasher, ids, clock, logger,
		audit.WithSpool(spool),
		audit.WithNotifier(dispatcher),
		audit.WithPageSize(cfg.Audit.PageSize),
	)
	snapshots := audit.NewHostSnapshotter(clock, logger)

	// 4. Control Plane: блокировки, права, лимиты, оценка угроз
	locks := engine.NewLockoutManager(rdb, logger)
	if err := locks.Init(ctx); err != nil {
		return err
	}
	go locks.Run(ctx)

	permRepo := postgres.NewPermissionRepo(db)
	perms := auth.NewMemoChecker(permRepo, logger)
	if err := perms.Refresh(ctx); err != nil {
		return err
	}
	go perms.Run(ctx, cfg.Auth.RefreshInterval)

	def, classes := ratelimit.FromConfig(cfg.RateLimit)
	limiter := ratelimit.NewLimiter(kv, def, classes, logger)

	threatCfg, err := threat.FromConfig(cfg.Threat)
	if err != nil {
		return err
	}
	scorer := threat.NewScorer(threatCfg, threat.NewRedisEventStore(rdb), kv, clock, logger)

	escalator := engine.NewEscalator(snapshots, dispatcher, clock, metrics, logger)
	if cfg.Executor.LockoutOnBreach {
		escalator.WithLockout(locks)
	}
	scorer.SetEscalator(escalator)

	validator := validation.NewSchemaValidator()
	gate := engine.NewGate(perms, limiter, logger).WithLocks(locks).WithValidator(validator)
	schemas, err := validation.LoadDir(cfg.Validation.SchemasDir)
	if err != nil {
		return err
	}
	for op, rules := range schemas {
		if err := validator.Compile(rules); err != nil {
			return err
		}
		gate.SetRules(op, rules)
	}

	// 5. Core
	exec := engine.New(engine.Deps{
		Gate:      gate,
		Store:     engine.PostgresStore{Store: postgres.NewStore(db, logger)},
		Audit:     trail,
		Snapshots: snapshots,
		Monitor:   monitor.NewThresholdMonitor(cfg.Monitor.Thresholds, dispatcher, clock, metrics, logger),
		Threats:   scorer,
		Escalator: escalator,
		Limiter:   limiter,
		Metrics:   metrics,
		Clock:     clock,
		IDs:       ids,
		Logger:    logger,
	}, engine.Config{
		DefaultDeadline: cfg.Executor.DefaultDeadline,
		AuditDenied:     cfg.Executor.AuditDenied,
	})

	// 6. Консоль оператора
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return err
	}
	var authH *handler.AuthHandler
	if len(cfg.Auth.PrivateKey) > 0 {
		priv, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
		if err != nil {
			return err
		}
		issuer := auth.NewIssuer(priv, "opgate-console", cfg.Auth.TokenTTL, clock)
		authH = handler.NewAuthHandler(exec, postgres.NewUserRepo(db), issuer, consoleScopes(perms), logger)
	}

	console := server.NewConsoleServer(logger,
		auth.NewValidator(pub),
		authH,
		handler.NewAuditHandler(service.NewAuditService(trail, auditRepo)),
		handler.NewThreatHandler(service.NewThreatService(scorer, redisSink, threatCfg.CriticalThreshold)),
		handler.NewActorHandler(locks, logger),
		func() error {
			hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(hctx); err != nil {
				return err
			}
			return rdb.Ping(hctx).Err()
		},
	)

	consoleSrv := &http.Server{
		Addr:         cfg.Server.ConsoleAddr,
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux, ReadTimeout: cfg.Server.ReadTimeout}

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{consoleSrv, metricsSrv} {
		go func(srv *http.Server) {
			logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv)
	}

	// 7. Graceful Shutdown
	select {
	case <-ctx.Done():
		logger.Info("opgate stopping...")
	case err := <-errCh:
		return err
	}

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, srv := range []*http.Server{consoleSrv, metricsSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	return nil
}

// consoleScopes выдает scope консоли по правам актора.
func consoleScopes(perms *auth.MemoChecker) func(string) map[string]bool {
	return func(actorID string) map[string]bool {
		out := make(map[string]bool)
		for _, scope := range []string{server.ScopeAuditRead, server.ScopeThreatRead, server.ScopeActorsAdmin} {
			if ok, err := perms.Has(context.Background(), actorID, scope); err == nil && ok {
				out[scope] = true
			}
		}
		return out
	}
}

// watchSpool публикует глубину спула аудита.
func watchSpool(ctx context.Context, spool *audit.Spool, metrics *monitor.Metrics, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			metrics.AuditSpoolDepth.Set(float64(spool.Depth()))
		}
	}
}
