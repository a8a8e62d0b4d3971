package pgevents

import (
	"context"
	"time"

	"github.com/BearBump/PixelRelay/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// EnqueueJob ставит событие в очередь доставки. Ключ идемпотентности —
// event_id: пока джоб открыт, повторный enqueue ничего не создаёт.
func (s *Storage) EnqueueJob(ctx context.Context, eventID, merchantID string, retry bool, runAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
INSERT INTO delivery_jobs (event_id, merchant_id, retry, next_attempt_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
ON CONFLICT (event_id) DO NOTHING
`, eventID, merchantID, retry, runAt.UTC(), now)
	if err != nil {
		return errors.Wrap(err, "insert delivery job")
	}

	_, err = tx.Exec(ctx, `
UPDATE events SET queued_at = COALESCE(queued_at, $2), updated_at = now() WHERE id = $1
`, eventID, now)
	if err != nil {
		return errors.Wrap(err, "mark event queued")
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// ClaimDueJobs выбирает пачку джобов, готовых к попытке, и "бронирует" их
// на lease вперёд. Использует SELECT ... FOR UPDATE SKIP LOCKED.
// Lease — это и защита от повторной выборки, и восстановление после смерти
// воркера: зависший "processing" джоб просто снова станет due.
func (s *Storage) ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.DeliveryJob, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id, event_id, merchant_id, retry, attempts, next_attempt_at, completed_at, failed_at, created_at, updated_at
FROM delivery_jobs
WHERE next_attempt_at <= $1
  AND completed_at IS NULL
  AND failed_at IS NULL
ORDER BY next_attempt_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due jobs")
	}
	defer rows.Close()

	var picked []*models.DeliveryJob
	for rows.Next() {
		var j models.DeliveryJob
		if err := rows.Scan(
			&j.ID, &j.EventID, &j.MerchantID, &j.Retry, &j.Attempts,
			&j.NextAttemptAt, &j.CompletedAt, &j.FailedAt,
			&j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan due job")
		}
		picked = append(picked, &j)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, j := range picked {
		_, err := tx.Exec(ctx, `
UPDATE delivery_jobs SET next_attempt_at = $2, attempts = attempts + 1, updated_at = now() WHERE id = $1
`, j.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease job")
		}
		j.NextAttemptAt = leaseUntil
		j.Attempts++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func (s *Storage) CompleteJob(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE delivery_jobs SET completed_at = $2, updated_at = now() WHERE event_id = $1
`, eventID, at.UTC())
	return errors.Wrap(err, "complete job")
}

// RescheduleJob возвращает джоб в очередь на next. Бэкофф считает
// планировщик очереди, воркер никогда не спит между попытками.
func (s *Storage) RescheduleJob(ctx context.Context, eventID string, next time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE delivery_jobs SET next_attempt_at = $2, retry = TRUE, updated_at = now() WHERE event_id = $1
`, eventID, next.UTC())
	return errors.Wrap(err, "reschedule job")
}

func (s *Storage) FailJob(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE delivery_jobs SET failed_at = $2, updated_at = now() WHERE event_id = $1
`, eventID, at.UTC())
	return errors.Wrap(err, "fail job")
}
