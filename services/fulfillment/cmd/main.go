// Package main — точка входа сервиса исполнения заказов.
// Сервис принимает оплату через Stripe и PayPal, сводит платёжные события
// со статусом заказа и выполняет побочные эффекты подтверждения.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/bouquet-shop/pkg/config"
	"example.com/bouquet-shop/pkg/db"
	"example.com/bouquet-shop/pkg/healthcheck"
	"example.com/bouquet-shop/pkg/jwt"
	"example.com/bouquet-shop/pkg/kafka"
	"example.com/bouquet-shop/pkg/lock"
	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/pkg/metrics"
	"example.com/bouquet-shop/pkg/tracing"
	"example.com/bouquet-shop/services/fulfillment/internal/dispatcher"
	"example.com/bouquet-shop/services/fulfillment/internal/effects"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/paypal"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/stripe"
	"example.com/bouquet-shop/services/fulfillment/internal/handler"
	"example.com/bouquet-shop/services/fulfillment/internal/ledger"
	"example.com/bouquet-shop/services/fulfillment/internal/middleware"
	"example.com/bouquet-shop/services/fulfillment/internal/monitor"
	"example.com/bouquet-shop/services/fulfillment/internal/reconciler"
	"example.com/bouquet-shop/services/fulfillment/internal/repository"
	"example.com/bouquet-shop/services/fulfillment/internal/service"
	"example.com/bouquet-shop/services/fulfillment/internal/verifier"
)

const serviceName = "fulfillment"

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализируем логгер
	logger.Init(logger.Config{
		Level:   cfg.App.LogLevel,
		Pretty:  cfg.App.LogPretty,
		Service: serviceName,
	})

	log := logger.Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Str("addr", cfg.HTTP.Addr()).
		Bool("selftest_bypass", cfg.Webhook.SelfTestBypass).
		Msg("Запуск Fulfillment Service")

	// === Observability ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    serviceName,
		Environment:    cfg.App.Env,
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
		SampleRatio:    cfg.Jaeger.SampleRatio,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Хранилища ===

	mysqlDB, err := db.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	if cfg.MySQL.AutoMigrate {
		if err := db.Migrate(mysqlDB, repository.Models()...); err != nil {
			log.Fatal().Err(err).Msg("Ошибка миграции")
		}
	}

	redisClient, err := db.ConnectRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Не удалось подключиться к Redis")
	}
	log.Info().Str("addr", cfg.Redis.Addr()).Msg("Подключено к Redis")

	// Топик писем создаётся заранее, иначе первая публикация упадёт
	// с UNKNOWN_TOPIC_OR_PARTITION
	topicCtx, topicCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := kafka.EnsureTopics(topicCtx, cfg.Kafka.Brokers, kafka.TopicSpec{Name: cfg.Kafka.EmailTopic, Partitions: 3}); err != nil {
		log.Warn().Err(err).Str("topic", cfg.Kafka.EmailTopic).Msg("Не удалось проверить топик писем")
	}
	topicCancel()

	producer, err := kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания Kafka producer")
	}

	// === Конвейер событий ===

	orders := repository.NewOrderRepository(mysqlDB)
	claims := repository.NewClaimRepository(mysqlDB)
	transitions := repository.NewTransitionRepository(mysqlDB)
	tasks := repository.NewTaskRepository(mysqlDB)
	loyaltyRepo := repository.NewLoyaltyRepository(mysqlDB)
	notificationRepo := repository.NewNotificationRepository(mysqlDB)

	locker := newLocker(cfg.Reconciler, redisClient)

	eventLedger := ledger.New(claims, cfg.Reconciler.ClaimLease)
	rec := reconciler.New(orders, transitions, eventLedger, locker, reconciler.Config{
		LockTTL:  cfg.Reconciler.LockTTL,
		LockWait: cfg.Reconciler.LockWait,
	})

	notifier := effects.NewNotifier(notificationRepo)
	loyalty := effects.NewLoyaltyExecutor(loyaltyRepo, tasks)
	registry := effects.NewRegistry(
		effects.NewEmailExecutor(effects.NewKafkaEmailSender(producer, cfg.Kafka.EmailTopic)),
		loyalty,
		notifier,
	)

	dispatch := dispatcher.New(tasks, registry, notifier, locker, dispatcher.Config{
		PollInterval: cfg.Dispatcher.PollInterval,
		BatchSize:    cfg.Dispatcher.BatchSize,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
		BaseBackoff:  cfg.Dispatcher.BaseBackoff,
		MaxBackoff:   cfg.Dispatcher.MaxBackoff,
		Retention:    cfg.Dispatcher.Retention,
		Workers:      cfg.Dispatcher.Workers,
	})

	staleMonitor := monitor.New(orders, notifier, monitor.Config{
		Interval:   cfg.Monitor.Interval,
		StaleAfter: cfg.Monitor.StalePendingAfter,
		BatchSize:  cfg.Monitor.BatchSize,
	})

	// === Провайдеры ===

	stripeCheckout := stripe.NewCheckout(stripe.Config{
		SecretKey:  cfg.Stripe.SecretKey,
		SuccessURL: cfg.Stripe.SuccessURL,
		CancelURL:  cfg.Stripe.CancelURL,
	})

	paypalClient := paypal.NewClient(paypal.Config{
		BaseURL:             cfg.PayPal.BaseURL,
		TokenURL:            cfg.PayPal.TokenURL(),
		ClientID:            cfg.PayPal.ClientID,
		ClientSecret:        cfg.PayPal.ClientSecret,
		Timeout:             cfg.PayPal.Timeout,
		RetryCount:          cfg.PayPal.RetryCount,
		RetryWait:           cfg.PayPal.RetryWait,
		BreakerFailureRatio: cfg.PayPal.BreakerFailures,
	})

	webhookVerifier := verifier.New(verifier.Config{
		StripeWebhookSecret: cfg.Stripe.WebhookSecret,
		Tolerance:           cfg.Stripe.SignatureTolerance,
		SelfTestBypass:      cfg.Webhook.SelfTestBypass,
	})

	svc := service.New(service.Deps{
		Orders:        orders,
		Stripe:        stripeCheckout,
		PayPal:        paypalClient,
		Verifier:      webhookVerifier,
		Reconciler:    rec,
		Loyalty:       loyalty,
		Tasks:         dispatch,
		Anomalies:     eventLedger,
		Notifications: notifier,
	})

	// === Middleware ===

	var authMW *middleware.AuthMiddleware
	if cfg.JWT.PublicKeyPath != "" {
		validator, err := jwt.NewValidator(jwt.Config{
			PublicKeyPath: cfg.JWT.PublicKeyPath,
			Issuer:        cfg.JWT.Issuer,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка загрузки публичного ключа JWT")
		}
		validator.SetBlacklist(jwt.NewBlacklist(redisClient))
		authMW = middleware.NewAuthMiddleware(validator, jwt.RoleStaff)
	} else {
		log.Warn().Msg("JWT_PUBLIC_KEY_PATH не задан, операционные эндпоинты отключены")
	}

	var rateLimitMW *middleware.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		rateLimitMW = middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{
			Redis:  redisClient,
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window,
		})
		log.Info().
			Int("limit", cfg.RateLimit.Limit).
			Dur("window", cfg.RateLimit.Window).
			Msg("Rate limiting включён")
	}

	readiness := healthcheck.Composite(
		healthcheck.MySQL(mysqlDB),
		healthcheck.Redis(redisClient),
	)

	router := handler.NewRouter(handler.RouterConfig{
		Checkout:            svc,
		Webhooks:            svc,
		Ops:                 svc,
		AuthMW:              authMW,
		RateLimitMW:         rateLimitMW,
		CORS:                middleware.DefaultCORSConfig(cfg.CORS.AllowedOrigins),
		MaxWebhookBodyBytes: cfg.Webhook.MaxBodyBytes,
		ReadinessCheck:      handler.ReadinessChecker(readiness),
		Debug:               cfg.IsDevelopment(),
	})

	// Readiness metrics server дополнительно проверяет Kafka
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr(), serviceName,
			metrics.WithReadinessCheck(healthcheck.Composite(
				healthcheck.MySQL(mysqlDB),
				healthcheck.Redis(redisClient),
				healthcheck.Kafka(cfg.Kafka.Brokers),
			)),
		)
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Фоновые процессы ===

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatch.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		staleMonitor.Run(bgCtx)
	}()

	// === HTTP сервер ===

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr()).Msg("HTTP сервер запущен")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	// === Graceful Shutdown ===

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервер...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Сначала HTTP, потом фоновые воркеры
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Ошибка при остановке HTTP сервера")
	}

	bgCancel()
	wg.Wait()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
	}

	if err := producer.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Kafka producer")
	}
	if err := redisClient.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Redis")
	}
	db.Close(mysqlDB)

	if shutdownTracing != nil {
		if err := shutdownTracing(ctx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Fulfillment Service остановлен")
}

// newLocker выбирает блокировку заказов: Redis для нескольких экземпляров,
// локальная для одного процесса.
func newLocker(cfg config.ReconcilerConfig, client *redis.Client) lock.Locker {
	if cfg.DistributedLock {
		return lock.NewRedisLocker(client, "")
	}
	logger.Warn().Msg("Распределённая блокировка выключена, используется локальная")
	return lock.NewLocalLocker()
}
