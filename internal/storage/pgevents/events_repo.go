package pgevents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/PixelRelay/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) CreateEvent(ctx context.Context, in models.EventCreateInput) (*models.Event, error) {
	now := time.Now().UTC()
	id := uuid.NewString()

	var customJSON []byte
	if len(in.Custom) > 0 {
		b, err := json.Marshal(in.Custom)
		if err != nil {
			return nil, errors.Wrap(err, "marshal custom")
		}
		customJSON = b
	}

	_, err := s.db.Exec(ctx, `
INSERT INTO events (
  id, merchant_id, dedup_key, kind, source,
  subject_id, email, phone,
  value, currency, order_id, content_ids, content_name, content_category, quantity,
  custom, status, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$18)
`, id, in.MerchantID, in.DedupKey, in.Kind, in.Source,
		in.SubjectID, in.Email, in.Phone,
		in.Value, in.Currency, in.OrderID, in.ContentIDs, in.ContentName, in.ContentCategory, in.Quantity,
		customJSON, models.EventStatusPending, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert event")
	}

	return s.GetEvent(ctx, id)
}

func (s *Storage) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	evs, err := s.GetEventsByIDs(ctx, []string{eventID})
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, ErrEventNotFound
	}
	return evs[0], nil
}

func (s *Storage) GetEventsByIDs(ctx context.Context, ids []string) ([]*models.Event, error) {
	if len(ids) == 0 {
		return []*models.Event{}, nil
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, merchant_id, dedup_key, kind, source,
  subject_id, email, phone,
  value, currency, order_id, content_ids, content_name, content_category, quantity,
  custom, status, retry_count, queued_at, processed_at,
  created_at, updated_at
FROM events
WHERE id = ANY($1)
`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	byID := make(map[string]*models.Event, len(ids))
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		byID[e.ID] = e
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	if err := s.attachPlatformStatuses(ctx, byID); err != nil {
		return nil, err
	}

	out := make([]*models.Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func scanEvent(rows pgx.Rows) (*models.Event, error) {
	var e models.Event
	var custom any
	if err := rows.Scan(
		&e.ID, &e.MerchantID, &e.DedupKey, &e.Kind, &e.Source,
		&e.SubjectID, &e.Email, &e.Phone,
		&e.Value, &e.Currency, &e.OrderID, &e.ContentIDs, &e.ContentName, &e.ContentCategory, &e.Quantity,
		&custom, &e.Status, &e.RetryCount, &e.QueuedAt, &e.ProcessedAt,
		&e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, errors.Wrap(err, "scan event")
	}
	if m, ok := custom.(map[string]any); ok {
		e.Custom = m
	}
	return &e, nil
}

func (s *Storage) attachPlatformStatuses(ctx context.Context, byID map[string]*models.Event) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	rows, err := s.db.Query(ctx, `
SELECT event_id, platform, account_id, status, sent_at, last_error, updated_at
FROM event_platform_statuses
WHERE event_id = ANY($1)
ORDER BY platform, account_id
`, ids)
	if err != nil {
		return errors.Wrap(err, "select platform statuses")
	}
	defer rows.Close()

	for rows.Next() {
		var ps models.PlatformStatusRecord
		if err := rows.Scan(&ps.EventID, &ps.Platform, &ps.AccountID, &ps.Status, &ps.SentAt, &ps.LastError, &ps.UpdatedAt); err != nil {
			return errors.Wrap(err, "scan platform status")
		}
		if e, ok := byID[ps.EventID]; ok {
			e.Platforms = append(e.Platforms, &ps)
		}
	}
	return errors.Wrap(rows.Err(), "rows")
}

// SeedPlatformStatuses создаёт pending-строки по активным конфигам мерчанта,
// чтобы read-модель показывала площадки сразу после приёма, а не после первой
// попытки доставки. Уже существующие строки не трогаем.
func (s *Storage) SeedPlatformStatuses(ctx context.Context, eventID, merchantID string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO event_platform_statuses (event_id, platform, account_id, status, updated_at)
SELECT $1, platform, account_id, $3, now()
FROM platform_configs
WHERE merchant_id = $2 AND active = TRUE
ON CONFLICT (event_id, platform, account_id) DO NOTHING
`, eventID, merchantID, models.PlatformStatusPending)
	return errors.Wrap(err, "seed platform statuses")
}

// UpdatePlatformStatus upserts the per-destination outcome. Statuses are only
// ever moved forward by the dispatcher; a success is never rolled back.
func (s *Storage) UpdatePlatformStatus(ctx context.Context, eventID string, platform models.PlatformKind, accountID, status string, sentAt *time.Time, lastError *string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO event_platform_statuses (event_id, platform, account_id, status, sent_at, last_error, updated_at)
VALUES ($1,$2,$3,$4,$5,$6, now())
ON CONFLICT (event_id, platform, account_id)
DO UPDATE SET status = $4, sent_at = COALESCE($5, event_platform_statuses.sent_at), last_error = $6, updated_at = now()
`, eventID, platform, accountID, status, sentAt, lastError)
	return errors.Wrap(err, "update platform status")
}

func (s *Storage) UpdateOverallStatus(ctx context.Context, eventID, status string, processedAt *time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE events
SET status = $2, processed_at = COALESCE($3, processed_at), updated_at = now()
WHERE id = $1
`, eventID, status, processedAt)
	return errors.Wrap(err, "update overall status")
}

func (s *Storage) IncrementRetryCount(ctx context.Context, eventID string) (int32, error) {
	var n int32
	err := s.db.QueryRow(ctx, `
UPDATE events SET retry_count = retry_count + 1, updated_at = now()
WHERE id = $1
RETURNING retry_count
`, eventID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "increment retry count")
	}
	return n, nil
}
