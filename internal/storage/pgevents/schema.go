package pgevents

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  merchant_id TEXT NOT NULL,
  dedup_key TEXT NOT NULL,
  kind TEXT NOT NULL,
  source TEXT NOT NULL,
  subject_id TEXT NULL,
  email TEXT NULL,
  phone TEXT NULL,
  value DOUBLE PRECISION NULL,
  currency TEXT NULL,
  order_id TEXT NULL,
  content_ids TEXT[] NULL,
  content_name TEXT NULL,
  content_category TEXT NULL,
  quantity INT NULL,
  custom JSONB NULL,
  status TEXT NOT NULL,
  retry_count INT NOT NULL DEFAULT 0,
  queued_at TIMESTAMPTZ NULL,
  processed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_events_merchant_created_at ON events(merchant_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_dedup_key ON events(dedup_key)`,
		`
CREATE TABLE IF NOT EXISTS event_platform_statuses (
  event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
  platform TEXT NOT NULL,
  account_id TEXT NOT NULL,
  status TEXT NOT NULL,
  sent_at TIMESTAMPTZ NULL,
  last_error TEXT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (event_id, platform, account_id)
)`,
		`
CREATE TABLE IF NOT EXISTS platform_configs (
  id BIGSERIAL PRIMARY KEY,
  merchant_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  account_id TEXT NOT NULL,
  credential TEXT NOT NULL DEFAULT '',
  conversion_api_enabled BOOLEAN NOT NULL DEFAULT TRUE,
  test_mode BOOLEAN NOT NULL DEFAULT FALSE,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (merchant_id, platform, account_id)
)`,
		// Очередь доставки. UNIQUE(event_id) — это и есть idempotency key:
		// повторный enqueue того же события не создаёт второй джоб.
		`
CREATE TABLE IF NOT EXISTS delivery_jobs (
  id BIGSERIAL PRIMARY KEY,
  event_id TEXT NOT NULL UNIQUE REFERENCES events(id) ON DELETE CASCADE,
  merchant_id TEXT NOT NULL,
  retry BOOLEAN NOT NULL DEFAULT FALSE,
  attempts INT NOT NULL DEFAULT 0,
  next_attempt_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ NULL,
  failed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_due ON delivery_jobs(next_attempt_at) WHERE completed_at IS NULL AND failed_at IS NULL`,
		`
CREATE TABLE IF NOT EXISTS delivery_logs (
  id BIGSERIAL PRIMARY KEY,
  merchant_id TEXT NOT NULL,
  event_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  account_id TEXT NOT NULL,
  level TEXT NOT NULL,
  request JSONB NULL,
  response JSONB NULL,
  error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_logs_event_created_at ON delivery_logs(event_id, created_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
