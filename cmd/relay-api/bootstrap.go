package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/PixelRelay/config"
	"github.com/BearBump/PixelRelay/internal/api/events_api"
	"github.com/BearBump/PixelRelay/internal/broker/kafka"
	"github.com/BearBump/PixelRelay/internal/cache/rediscache"
	"github.com/BearBump/PixelRelay/internal/services/events"
	"github.com/BearBump/PixelRelay/internal/services/ingest"
	"github.com/BearBump/PixelRelay/internal/storage/pgevents"
)

type relayAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     relayAPIOpts
	api      *events_api.EventsAPI
	events   *events.Service
	consumer *kafka.Consumer
	closeDB  func()
}

// mustBootstrapRelayAPI собирает приложение целиком для docker-окружения:
// в отличие от main, ждёт готовности Postgres вместо мгновенной паники.
func mustBootstrapRelayAPI() *relayAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.PixelRelay.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.PixelRelay.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "relay-api"
	}
	acceptedTopic := cfg.Kafka.EventAcceptedTopicName
	if acceptedTopic == "" {
		acceptedTopic = "events.accepted"
	}
	resultTopic := cfg.Kafka.DeliveryResultTopicName
	if resultTopic == "" {
		resultTopic = "delivery.result"
	}
	cacheTTL := time.Duration(cfg.PixelRelay.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		swaggerPath = cfg.PixelRelay.SwaggerPath
	}
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)
	dedup := rediscache.NewDeduper(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, resultTopic, consumerGroup)

	ingSvc := ingest.New(st, rl, dedup, producer, acceptedTopic).
		WithLimits(
			int64(cfg.PixelRelay.IngestRateLimit),
			int64(cfg.PixelRelay.APIRateLimit),
			int64(cfg.PixelRelay.WebhookRateLimit),
			time.Duration(cfg.PixelRelay.IngestRateWindowSeconds)*time.Second,
			time.Duration(cfg.PixelRelay.DedupWindowSeconds)*time.Second,
		)
	evSvc := events.New(st, rc, cacheTTL)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &relayAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: relayAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         resultTopic,
			consumerGroup: consumerGroup,
		},
		api:      events_api.New(ingSvc, evSvc),
		events:   evSvc,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgevents.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgevents.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *relayAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *relayAPIApp) Run() error {
	return runRelayAPI(a.ctx, a.opts, a.api, a.events, a.consumer)
}
