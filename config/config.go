package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	PixelRelay PixelRelayConfig `yaml:"pixelrelay"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	EventAcceptedTopicName  string `yaml:"event_accepted_topic_name"`
	DeliveryResultTopicName string `yaml:"delivery_result_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type PixelRelayConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	// Admission profiles. Zero means "use the built-in default"
	// (ingest 100/60s, api 60/60s, webhook 1000/60s).
	IngestRateLimit         int `yaml:"ingest_rate_limit"`
	IngestRateWindowSeconds int `yaml:"ingest_rate_window_seconds"`
	APIRateLimit            int `yaml:"api_rate_limit"`
	WebhookRateLimit        int `yaml:"webhook_rate_limit"`
	DedupWindowSeconds      int `yaml:"dedup_window_seconds"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`
	WorkerJobsPerSecond       int `yaml:"worker_jobs_per_second"`
	WorkerMaxAttempts         int `yaml:"worker_max_attempts"`
	WorkerBackoffBaseSeconds  int `yaml:"worker_backoff_base_seconds"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Platform endpoints. Empty base URL for a platform means the local
	// fake sender is used instead of the real HTTP client.
	FacebookBaseURL string `yaml:"facebook_base_url"`
	TikTokBaseURL   string `yaml:"tiktok_base_url"`
	GA4BaseURL      string `yaml:"ga4_base_url"`
	SenderMode      string `yaml:"sender_mode"` // "live" | "fake"

	SwaggerPath       string `yaml:"swagger_path"`
	WorkerSwaggerPath string `yaml:"worker_swagger_path"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
