package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/PixelRelay/config"
	"github.com/BearBump/PixelRelay/internal/broker/kafka"
	"github.com/BearBump/PixelRelay/internal/broker/messages"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	acceptedTopic := cfg.Kafka.EventAcceptedTopicName
	if acceptedTopic == "" {
		acceptedTopic = "events.accepted"
	}
	consumerGroup := cfg.PixelRelay.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "relay-worker"
	}

	d, closeFn, err := newDispatcher(cfg, defaultWorkerFactories())
	if err != nil {
		panic(err)
	}
	if closeFn != nil {
		defer closeFn()
	}

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, acceptedTopic, consumerGroup)
	defer func() { _ = consumer.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	swaggerPath := os.Getenv("workerSwaggerPath")
	if swaggerPath == "" {
		swaggerPath = cfg.PixelRelay.WorkerSwaggerPath
	}
	go func() {
		err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.PixelRelay.WorkerHTTPAddr,
			swaggerPath: swaggerPath,
			dispatcher:  d,
			cfg:         cfg,
		})
		if err != nil {
			slog.Error("worker http server", "error", err.Error())
		}
	}()

	go func() {
		slog.Info("kafka consumer started", "topic", acceptedTopic, "group", consumerGroup)
		_ = consumer.Consume(ctx, func(_key, value []byte) error {
			var m messages.EventAccepted
			if err := json.Unmarshal(value, &m); err != nil {
				slog.Warn("bad accepted msg", "error", err.Error())
				return nil
			}
			d.Trigger()
			return nil
		})
	}()

	if err := d.Run(ctx); err != nil && err != context.Canceled {
		panic(err)
	}
}
