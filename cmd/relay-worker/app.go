package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/PixelRelay/config"
	"github.com/BearBump/PixelRelay/internal/broker/kafka"
	"github.com/BearBump/PixelRelay/internal/broker/messages"
	"github.com/BearBump/PixelRelay/internal/integrations/platform"
	"github.com/BearBump/PixelRelay/internal/integrations/platform/fake"
	"github.com/BearBump/PixelRelay/internal/integrations/platform/fbconv"
	"github.com/BearBump/PixelRelay/internal/integrations/platform/ga4mp"
	"github.com/BearBump/PixelRelay/internal/integrations/platform/tiktokevents"
	"github.com/BearBump/PixelRelay/internal/models"
	"github.com/BearBump/PixelRelay/internal/services/dispatch"
	"github.com/BearBump/PixelRelay/internal/storage/pgevents"
)

type workerFactories struct {
	newStorage  func(cfg *config.Config) (repo dispatch.Repository, closeFn func(), err error)
	newProducer func(cfg *config.Config) dispatch.Producer
	newSenders  func(cfg *config.Config) []platform.Sender
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (dispatch.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgevents.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) dispatch.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newSenders: func(cfg *config.Config) []platform.Sender {
			// Для демо/dev достаточно fake-площадок; в live-режиме base_url
			// каждой площадки можно перенаправить на эмулятор.
			if cfg.PixelRelay.SenderMode != "live" {
				return []platform.Sender{
					fake.New(models.PlatformFacebook),
					fake.New(models.PlatformTikTok),
					fake.New(models.PlatformGA4),
				}
			}
			return []platform.Sender{
				fbconv.New(cfg.PixelRelay.FacebookBaseURL),
				tiktokevents.New(cfg.PixelRelay.TikTokBaseURL),
				ga4mp.New(cfg.PixelRelay.GA4BaseURL),
			}
		},
	}
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func newDispatcher(cfg *config.Config, f workerFactories) (*dispatch.Dispatcher, func(), error) {
	resultTopic := cfg.Kafka.DeliveryResultTopicName
	if resultTopic == "" {
		resultTopic = "delivery.result"
	}

	pollInterval := time.Duration(cfg.PixelRelay.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.PixelRelay.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.PixelRelay.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.PixelRelay.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	jobsPerSecond := float64(cfg.PixelRelay.WorkerJobsPerSecond)
	if jobsPerSecond <= 0 {
		jobsPerSecond = 100
	}
	maxAttempts := int32(cfg.PixelRelay.WorkerMaxAttempts)
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoffBase := time.Duration(cfg.PixelRelay.WorkerBackoffBaseSeconds) * time.Second
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	d := dispatch.New(repo, f.newSenders(cfg), f.newProducer(cfg), resultTopic).
		WithSettings(pollInterval, batchSize, concurrency, lease, jobsPerSecond).
		WithRetryPolicy(maxAttempts, backoffBase)

	return d, closeFn, nil
}

func RunRelayWorker(ctx context.Context, cfg *config.Config, f workerFactories, consumer kafkaConsumer) error {
	d, closeFn, err := newDispatcher(cfg, f)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	if consumer != nil {
		go func() {
			// Сообщение из events.accepted — только "пинок": всё, что
			// нужно доставить, диспетчер берёт из таблицы джобов.
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
	}

	return d.Run(ctx)
}
