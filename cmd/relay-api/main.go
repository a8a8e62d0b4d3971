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

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
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

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st, err := pgevents.New(connString)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)
	dedup := rediscache.NewDeduper(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, resultTopic, consumerGroup)
	defer func() { _ = consumer.Close() }()

	ingSvc := ingest.New(st, rl, dedup, producer, acceptedTopic).
		WithLimits(
			int64(cfg.PixelRelay.IngestRateLimit),
			int64(cfg.PixelRelay.APIRateLimit),
			int64(cfg.PixelRelay.WebhookRateLimit),
			time.Duration(cfg.PixelRelay.IngestRateWindowSeconds)*time.Second,
			time.Duration(cfg.PixelRelay.DedupWindowSeconds)*time.Second,
		)
	evSvc := events.New(st, rc, cacheTTL)
	api := events_api.New(ingSvc, evSvc)

	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		swaggerPath = cfg.PixelRelay.SwaggerPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runRelayAPI(ctx, relayAPIOpts{
		httpAddr:      httpAddr,
		swaggerPath:   swaggerPath,
		topic:         resultTopic,
		consumerGroup: consumerGroup,
	}, api, evSvc, consumer); err != nil && err != context.Canceled {
		panic(err)
	}
}
