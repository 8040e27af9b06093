package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-governance/internal/api"
	"github.com/miradorstack/mirador-governance/internal/audit"
	"github.com/miradorstack/mirador-governance/internal/cache"
	"github.com/miradorstack/mirador-governance/internal/config"
	"github.com/miradorstack/mirador-governance/internal/engine"
	"github.com/miradorstack/mirador-governance/internal/metrics"
	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/notify"
	"github.com/miradorstack/mirador-governance/internal/repo"
	"github.com/miradorstack/mirador-governance/internal/scheduler"
	"github.com/miradorstack/mirador-governance/internal/services"
	"github.com/miradorstack/mirador-governance/internal/stats"
	"github.com/miradorstack/mirador-governance/internal/store"
	"github.com/miradorstack/mirador-governance/internal/store/memory"
	"github.com/miradorstack/mirador-governance/internal/store/postgres"
	"github.com/miradorstack/mirador-governance/internal/trends"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-governance", slog.String("address", cfg.Server.Address), slog.String("store", cfg.Database.Driver))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var redisProvider *cache.RedisProvider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("redis cache unavailable, running single-instance", slog.Any("error", err))
		} else {
			cacheProvider = provider
			redisProvider = provider
			defer provider.Close()
		}
	}

	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	auditSink, closeAudit := buildAudit(cfg.Audit, logger)
	defer closeAudit()

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Notifications.Enabled && redisProvider != nil {
		pubsub, err := notify.NewPubSubNotifier(redisProvider, cfg.Notifications.Channel)
		if err != nil {
			logger.Warn("pub/sub notifier unavailable", slog.Any("error", err))
		} else {
			notifier = pubsub
		}
	}

	// The distributed lease only means something when several engines share one Redis.
	var lease cache.Provider
	if redisProvider != nil {
		lease = redisProvider
	}

	deps := engine.Deps{
		Store:      st,
		Serializer: engine.NewPropertySerializer(logger, lease, cfg.Cache.LeaseTTL),
		Audit:      auditSink,
		Notifier:   notifier,
		Logger:     logger,
	}

	rules, err := engine.LoadRuleTable(cfg.Alerts.RulesPath, logger)
	if err != nil {
		logger.Error("failed to load escalation rules", slog.Any("error", err))
		os.Exit(1)
	}

	metricStore := repo.NewMetricStoreClient(
		cfg.MetricStore.BaseURL,
		cfg.MetricStore.HistoryPath,
		cfg.MetricStore.PropertiesPath,
		cfg.MetricStore.Timeout,
		cacheProvider,
		cfg.Cache.HistoryTTL,
		logger,
	)

	locks, err := engine.NewLockEngine(deps, rules, lockConfig(cfg.Locks))
	if err != nil {
		logger.Error("failed to build lock engine", slog.Any("error", err))
		os.Exit(1)
	}
	alertCfg := engine.DefaultAlertConfig()
	alertCfg.DefaultTTL = cfg.Alerts.DefaultTTL
	alertCfg.CriticalConfidence = cfg.Analysis.CriticalConfidence
	alerts, err := engine.NewAlertGenerator(deps, rules, locks, metricStore, alertCfg)
	if err != nil {
		logger.Error("failed to build alert generator", slog.Any("error", err))
		os.Exit(1)
	}
	classifier, err := engine.NewClassifier(classifierConfig(cfg.Analysis))
	if err != nil {
		logger.Error("failed to build classifier", slog.Any("error", err))
		os.Exit(1)
	}
	analyzer, err := engine.NewAnalyzer(deps, metricStore, classifier, alerts, cfg.Analysis.Workers)
	if err != nil {
		logger.Error("failed to build analyzer", slog.Any("error", err))
		os.Exit(1)
	}

	var trendSink trends.Sink
	if redisProvider != nil {
		trendSink = trends.NewCacheSink(cacheProvider, 0)
	}

	govService, err := services.NewGovernanceService(services.Options{
		Logger:        logger,
		Store:         st,
		Locks:         locks,
		Alerts:        alerts,
		Analyzer:      analyzer,
		Miner:         trends.NewMiner(logger, trendSink),
		Properties:    metricStore,
		BatchMetrics:  cfg.Analysis.Metrics,
		ExpiryAgeDays: cfg.Locks.ExpiryAgeDays,
		RunTimeout:    cfg.Analysis.RunTimeout,
	})
	if err != nil {
		logger.Error("failed to build governance service", slog.Any("error", err))
		os.Exit(1)
	}

	server, err := api.NewServer(cfg.Server, api.NewHandler(govService, logger))
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = buildScheduler(cfg.Scheduler, govService, logger)
		if err != nil {
			logger.Error("failed to build scheduler", slog.Any("error", err))
			os.Exit(1)
		}
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("mirador-governance stopped")
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Warn("using in-memory store; governance state is lost on restart")
		return memory.New(), nil
	default:
		return postgres.Open(ctx, postgres.Options{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			AutoMigrate:     cfg.AutoMigrate,
			Logger:          logger,
		})
	}
}

func buildAudit(cfg config.AuditConfig, logger *slog.Logger) (audit.Sink, func()) {
	sinks := audit.Multi{audit.NewLogSink(logger)}
	if cfg.FilePath == "" {
		return sinks, func() {}
	}
	file, err := audit.NewFileSink(audit.FileConfig{
		Path:       cfg.FilePath,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
	if err != nil {
		logger.Warn("audit file unavailable, auditing to log only", slog.Any("error", err))
		return sinks, func() {}
	}
	return append(sinks, file), func() { _ = file.Close() }
}

func lockConfig(cfg config.LocksConfig) engine.LockConfig {
	out := engine.DefaultLockConfig()
	out.AutoCreate = cfg.AutoCreate
	if cfg.ExpiryAgeDays > 0 {
		out.ExpiryAgeDays = cfg.ExpiryAgeDays
	}
	if len(cfg.LockableSeverities) > 0 {
		out.LockableSeverities = out.LockableSeverities[:0]
		for _, s := range cfg.LockableSeverities {
			out.LockableSeverities = append(out.LockableSeverities, models.Severity(s))
		}
	}
	return out
}

func classifierConfig(cfg config.AnalysisConfig) engine.ClassifierConfig {
	return engine.ClassifierConfig{
		Method:          models.AnalysisMethod(cfg.Method),
		ZScoreThreshold: cfg.ZScoreThreshold,
		CUSUM:           stats.CUSUMOptions{Threshold: cfg.CUSUMThreshold, Slack: cfg.CUSUMSlack},
		AlertConfidence: cfg.AlertConfidence,
		MinSamples:      cfg.MinSamples,
		LookbackMonths:  cfg.LookbackMonths,
	}
}

func buildScheduler(cfg config.SchedulerConfig, svc *services.GovernanceService, logger *slog.Logger) (*scheduler.Scheduler, error) {
	sched := scheduler.New(logger, cfg.JobTimeout)
	jobs := []scheduler.Job{
		{
			Name:     "nightly_analysis",
			Interval: cfg.AnalysisInterval,
			Run: func(ctx context.Context) error {
				_, err := svc.RunNightlyBatch(ctx, time.Time{})
				return err
			},
		},
		{
			Name:       "alert_expiry",
			Interval:   cfg.AlertExpiryInterval,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := svc.ExpirePendingAlerts(ctx)
				return err
			},
		},
		{
			Name:       "lock_expiry",
			Interval:   cfg.LockExpiryInterval,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := svc.ExpireOldLocks(ctx, 0)
				return err
			},
		},
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
