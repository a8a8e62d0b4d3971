package pgevents

import (
	"context"
	"encoding/json"

	"github.com/BearBump/PixelRelay/internal/models"
	"github.com/pkg/errors"
)

// AppendDeliveryLog — append-only аудит отправок: что ушло на площадку и
// что она ответила. Никогда не обновляется и не чистится этим ядром.
func (s *Storage) AppendDeliveryLog(ctx context.Context, l *models.DeliveryLog) error {
	var req, resp any
	if l.RequestJSON != nil && *l.RequestJSON != "" {
		var m any
		if json.Unmarshal([]byte(*l.RequestJSON), &m) == nil {
			req = m
		}
	}
	if l.ResponseJSON != nil && *l.ResponseJSON != "" {
		var m any
		if json.Unmarshal([]byte(*l.ResponseJSON), &m) == nil {
			resp = m
		}
	}

	_, err := s.db.Exec(ctx, `
INSERT INTO delivery_logs (merchant_id, event_id, platform, account_id, level, request, response, error, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
`, l.MerchantID, l.EventID, l.Platform, l.AccountID, l.Level, req, resp, l.Error)
	return errors.Wrap(err, "insert delivery log")
}

func (s *Storage) ListDeliveryLogs(ctx context.Context, eventID string, limit, offset int) ([]*models.DeliveryLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, merchant_id, event_id, platform, account_id, level, request, response, error, created_at
FROM delivery_logs
WHERE event_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, eventID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select delivery logs")
	}
	defer rows.Close()

	var out []*models.DeliveryLog
	for rows.Next() {
		var l models.DeliveryLog
		var req, resp any
		if err := rows.Scan(
			&l.ID, &l.MerchantID, &l.EventID, &l.Platform, &l.AccountID, &l.Level,
			&req, &resp, &l.Error, &l.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan delivery log")
		}
		if req != nil {
			b, _ := json.Marshal(req)
			s := string(b)
			l.RequestJSON = &s
		}
		if resp != nil {
			b, _ := json.Marshal(resp)
			s := string(b)
			l.ResponseJSON = &s
		}
		out = append(out, &l)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
