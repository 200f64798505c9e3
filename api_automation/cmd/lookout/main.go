package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"frameworks/api_automation/internal/automation"
	lookoutconfig "frameworks/api_automation/internal/config"
	"frameworks/api_automation/internal/handlers"
	"frameworks/api_automation/internal/ingest"
	"frameworks/api_automation/internal/metrics"
	"frameworks/api_automation/internal/orchestrator"
	"frameworks/api_automation/internal/platform"
	"frameworks/api_automation/internal/polling"
	"frameworks/api_automation/internal/rules"
	"frameworks/api_automation/internal/social"
	"frameworks/api_automation/internal/transport"
	"frameworks/api_automation/internal/websocket"
	"frameworks/pkg/config"
	"frameworks/pkg/database"
	"frameworks/pkg/kafka"
	"frameworks/pkg/logging"
	"frameworks/pkg/monitoring"
	"frameworks/pkg/redis"
	"frameworks/pkg/server"
	"frameworks/pkg/version"
	"frameworks/pkg/workpool"
)

func main() {
	logger := logging.NewLoggerWithService("lookout")
	config.LoadEnv(logger)
	logger.SetLevel(config.GetLogLevel())

	cfg, err := lookoutconfig.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	logger.WithField("version", version.Version).Info("Starting Lookout (social sync and automation)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthChecker := monitoring.NewHealthChecker("lookout", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("lookout", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"PLATFORM_API_URL":    cfg.PlatformAPIURL,
		"PLATFORM_STREAM_URL": cfg.PlatformStreamURL,
		"SERVICE_TOKEN":       cfg.ServiceToken,
	}))

	// Redis carries rule change notifications and dashboard invalidations
	// between replicas.
	var redisClient goredis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("Invalid REDIS_URL")
		}
		redisClient, err = redis.NewUniversalClient(ctx, redis.Config{
			Addrs:    []string{opts.Addr},
			Username: opts.Username,
			Password: opts.Password,
			DB:       opts.DB,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		healthChecker.AddCheck("redis", monitoring.PingHealthCheck("redis", monitoring.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})))
	}

	store := newRuleStore(ctx, cfg, redisClient, healthChecker, logger)

	pool := workpool.New(cfg.WorkerPoolSize, logger)
	defer pool.Close()

	platformClient := platform.NewClient(platform.Config{
		BaseURL: cfg.PlatformAPIURL,
		Token:   cfg.PlatformAPIToken,
		Timeout: cfg.DispatchTimeout,
		Logger:  logger,
	})

	tr := transport.New(transport.Config{
		BackoffBase:           cfg.BackoffBase,
		BackoffCap:            cfg.BackoffCap,
		MaxReconnectAttempts:  cfg.MaxReconnectAttempts,
		MaxWebhookFailures:    cfg.MaxWebhookFailures,
		FailureWindow:         cfg.FailureWindow,
		ConnectTimeout:        cfg.ConnectTimeout,
		DegradedRetryInterval: cfg.DegradedRetryInterval,
		Logger:                logger,
		Metrics:               serviceMetrics,
	}, &transport.WebsocketDialer{
		URL:    cfg.PlatformStreamURL,
		Token:  cfg.PlatformAPIToken,
		Logger: logger,
	})
	defer tr.Close()

	poller := polling.New(platformClient, polling.Config{
		MinInterval: cfg.PollFloor,
		Timeout:     cfg.PollTimeout,
		Logger:      logger,
		Metrics:     serviceMetrics,
	})

	// Kafka is optional: without brokers outcomes are only logged and
	// webhook failure reports are not consumed.
	var outcomes automation.OutcomeSink
	var consumer *kafka.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, "lookout", logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		healthChecker.AddCheck("kafka_producer", monitoring.PingHealthCheck("kafka", monitoring.PingFunc(func(context.Context) error {
			return producer.HealthCheck()
		})))

		sink := automation.NewKafkaOutcomeSink(producer, cfg.OutcomeTopic, 1024, logger)
		go sink.Run(ctx)
		outcomes = sink

		consumer, err = kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaClusterID+"-lookout", logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()
		consumer.WithDeadLetter(producer, cfg.DeadLetterTopic)
		ingest.NewWebhookHandler(tr, logger, serviceMetrics).Register(consumer, cfg.WebhookStatusTopic)
	} else {
		logger.Warn("KAFKA_BROKERS not set; outcome audit and webhook status ingest disabled")
	}

	engine := automation.New(automation.Config{
		Store:            store,
		Matcher:          rules.NewMatcher(logger, serviceMetrics, cfg.DefaultTimezone),
		Dispatcher:       platformClient,
		Pool:             pool,
		Outcomes:         outcomes,
		RuleCacheTTL:     cfg.RuleCacheTTL,
		RetryDelay:       cfg.DispatchRetryDelay,
		RateLimitBackoff: cfg.RateLimitBackoff,
		DispatchTimeout:  cfg.DispatchTimeout,
		Logger:           logger,
		Metrics:          serviceMetrics,
	})
	defer engine.Close()

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	notifier := orchestrator.MultiNotifier{hub}
	if redisClient != nil {
		notifier = append(notifier, orchestrator.RedisNotifier{
			PubSub: redis.NewTypedPubSub[social.Invalidation](redisClient, logger),
		})
	}

	orch := orchestrator.New(orchestrator.Config{
		PushCategories: cfg.PushCategories,
		PollIntervals:  cfg.PollIntervals,
		DedupSize:      cfg.DedupSize,
		DedupTTL:       cfg.DedupTTL,
		OnActivate: func(workspaceID string, sub *orchestrator.Subscription) {
			if err := engine.Attach(workspaceID, sub.Events()); err != nil {
				logging.ForWorkspace(logger, workspaceID).WithError(err).Error("Failed to attach automation")
				sub.Close()
			}
		},
		Notifier: notifier,
		Pool:     pool,
		Logger:   logger,
		Metrics:  serviceMetrics,
	}, tr, poller)
	defer orch.Close()

	if consumer != nil {
		go func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Kafka consumer stopped")
			}
		}()
	}

	router := server.SetupServiceRouter(logger, "lookout", healthChecker, metricsCollector)
	handlers.NewLookoutHandlers(orch, engine, hub, logger).Register(router, cfg.ServiceToken)

	serverConfig := server.DefaultConfig("lookout", cfg.Port)
	if err := server.Start(ctx, serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
	logger.Info("Lookout stopped")
}

// newRuleStore returns the Postgres store when DATABASE_URL is set and an
// in-memory store otherwise.
func newRuleStore(ctx context.Context, cfg lookoutconfig.Config, redisClient goredis.UniversalClient, hc *monitoring.HealthChecker, logger logging.Logger) rules.Store {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory rule store")
		return rules.NewMemoryStore()
	}

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	db, err := database.Connect(connectCtx, dbCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	if err := database.ApplySchema(connectCtx, db); err != nil {
		logger.WithError(err).Fatal("Failed to apply schema")
	}
	hc.AddCheck("postgres", monitoring.PingHealthCheck("postgres", monitoring.PingFunc(db.PingContext)))

	var feed rules.ChangeFeed
	if redisClient != nil {
		rf := rules.NewRedisChangeFeed(redisClient, logger)
		go func() {
			if err := rf.Run(ctx, nil); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Rule change feed stopped")
			}
		}()
		feed = rf
	} else {
		logger.Warn("REDIS_URL not set; rule edits apply after the rule cache TTL")
	}
	return rules.NewPostgresStore(db, feed, logger)
}
