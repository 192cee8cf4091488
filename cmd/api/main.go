package main

import (
	"context"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/victorian-socialists/civicrm-stripe/internal/config"
	"github.com/victorian-socialists/civicrm-stripe/internal/customer"
	"github.com/victorian-socialists/civicrm-stripe/internal/gateway"
	"github.com/victorian-socialists/civicrm-stripe/internal/handler"
	"github.com/victorian-socialists/civicrm-stripe/internal/housekeeping"
	"github.com/victorian-socialists/civicrm-stripe/internal/infra/postgresql"
	"github.com/victorian-socialists/civicrm-stripe/internal/infra/postgresql/migrations"
	infraredis "github.com/victorian-socialists/civicrm-stripe/internal/infra/redis"
	"github.com/victorian-socialists/civicrm-stripe/internal/intent"
	"github.com/victorian-socialists/civicrm-stripe/internal/ledger"
	"github.com/victorian-socialists/civicrm-stripe/internal/observability"
	"github.com/victorian-socialists/civicrm-stripe/internal/queue"
	"github.com/victorian-socialists/civicrm-stripe/internal/recurring"
	"github.com/victorian-socialists/civicrm-stripe/internal/transport"
	"github.com/victorian-socialists/civicrm-stripe/internal/webhook"
)

const replayPrefetch = 8

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer mq.Close()

	processorCfg := gateway.ProcessorConfig{
		ProcessorID:   int(cfg.ProcessorID),
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		TestMode:      cfg.StripeTestMode,
	}
	stripeClient, err := gateway.NewStripeClient(processorCfg)
	if err != nil {
		logger.Fatal("gateway client initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	stripeClient.SetMetrics(metrics)

	contributions := ledger.NewGormContributionRepo(db)
	recurringRepo := ledger.NewGormRecurringRepo(db)
	intentRecords := ledger.NewGormIntentRepo(db)
	customerMappings := ledger.NewGormCustomerRepo(db)
	eventLog := ledger.NewGormEventRepo(db)

	locker, err := infraredis.NewRedisContributionLocker(rdb)
	if err != nil {
		logger.Fatal("contribution locker initialization failed", zap.Error(err))
	}

	var fraud intent.FraudSignal
	if cfg.FirewallURL != "" {
		firewall, err := intent.NewHTTPFirewall(cfg.FirewallURL)
		if err != nil {
			logger.Fatal("firewall initialization failed", zap.Error(err))
		}
		fraud = firewall
	}

	engine, err := intent.NewEngine(processorCfg, stripeClient, stripeClient, intentRecords, fraud, logger, intent.Options{
		SendReceipts:          cfg.OneOffReceiptEmail,
		FraudFailureThreshold: cfg.FraudFailureThreshold,
	})
	if err != nil {
		logger.Fatal("intent engine initialization failed", zap.Error(err))
	}
	engine.SetMetrics(metrics)

	customers, err := customer.NewService(processorCfg, stripeClient, customerMappings, logger)
	if err != nil {
		logger.Fatal("customer service initialization failed", zap.Error(err))
	}

	orchestrator, err := recurring.NewOrchestrator(processorCfg, stripeClient, engine, recurringRepo, contributions, intentRecords, logger)
	if err != nil {
		logger.Fatal("recurring orchestrator initialization failed", zap.Error(err))
	}

	unmatched := func(ctx context.Context, ec *webhook.EventContext) {
		metrics.IncWebhookEvent(ec.Trigger, "unmatched")
	}
	router, err := webhook.NewRouter(processorCfg, stripeClient, stripeClient, contributions, recurringRepo, eventLog, locker, unmatched, logger)
	if err != nil {
		logger.Fatal("webhook router initialization failed", zap.Error(err))
	}
	router.SetMetrics(metrics)

	sweeper, err := housekeeping.NewSweeper(intentRecords, stripeClient, housekeeping.Options{
		PurgeAge:   time.Duration(cfg.IntentPurgeAgeHours) * time.Hour,
		AbandonAge: time.Duration(cfg.IntentAbandonAgeHours) * time.Hour,
		Interval:   time.Duration(cfg.HousekeepingIntervalMinutes) * time.Minute,
	}, logger)
	if err != nil {
		logger.Fatal("housekeeping sweeper initialization failed", zap.Error(err))
	}
	sweeper.SetMetrics(metrics)

	publisher := queue.NewRabbitMQPublisher(mq)
	consumer := queue.NewRabbitMQConsumer(mq, replayPrefetch, cfg.ReplayMaxAttempts, logger)
	defer consumer.Close()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb, mq)
	if err := handler.RegisterPaymentRoutes(app, engine, orchestrator, customers); err != nil {
		logger.Fatal("payment route registration failed", zap.Error(err))
	}
	webhookHandler, err := handler.NewWebhookHandler(router, publisher, cfg.ProcessorID, logger)
	if err != nil {
		logger.Fatal("webhook handler initialization failed", zap.Error(err))
	}
	webhookHandler.SetMetrics(metrics)
	if err := handler.RegisterWebhookRoutes(app, webhookHandler); err != nil {
		logger.Fatal("webhook route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fiberAddr(cfg.APIPort))
	})

	g.Go(func() error {
		<-groupCtx.Done()
		return app.Shutdown()
	})

	g.Go(func() error {
		logger.Info("replay consumer started", zap.String("queue", queue.ReplayQueue))
		return consumer.Consume(groupCtx, queue.ReplayQueue, func(ctx context.Context, msg queue.ReplayMessage) error {
			outcome, err := router.Replay(ctx, msg.Payload)
			if err != nil {
				return err
			}
			metrics.IncWebhookEvent("replay", string(outcome))
			return nil
		})
	})

	g.Go(func() error {
		return sweeper.Run(groupCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("api stopped with error", zap.Error(err))
	}

	logger.Info("api stopped")
}

func fiberAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
