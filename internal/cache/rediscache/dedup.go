package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Deduper struct {
	c *redis.Client
}

func NewDeduper(addr string) *Deduper {
	return &Deduper{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Claim атомарно занимает отпечаток на window. Первый вызов выигрывает,
// остальные с тем же отпечатком до истечения TTL видят isDuplicate=true.
// Именно SET NX, а не GET+SET: две отдельные команды дали бы гонку.
// Для дубля возвращается id исходного события, записанный победителем через
// Record (пустой, если победитель ещё не успел).
func (d *Deduper) Claim(ctx context.Context, fp string, window time.Duration) (bool, string, error) {
	set, err := d.c.SetNX(ctx, "dedup:"+fp, "", window).Result()
	if err != nil {
		return false, "", errors.Wrap(err, "redis dedup claim")
	}
	if set {
		return false, "", nil
	}
	id, err := d.c.Get(ctx, "dedup:"+fp).Result()
	if err != nil {
		// дубль уже подтверждён SETNX, id — best-effort
		return true, "", nil
	}
	return true, id, nil
}

// Record привязывает id созданного события к занятому отпечатку. TTL окна
// при этом перезаводится, что чуть расширяет окно; для дедупа это безопасно.
func (d *Deduper) Record(ctx context.Context, fp, eventID string, window time.Duration) error {
	err := d.c.Set(ctx, "dedup:"+fp, eventID, window).Err()
	return errors.Wrap(err, "redis dedup record")
}

func (d *Deduper) Close() error {
	return d.c.Close()
}
