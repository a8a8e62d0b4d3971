package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/PixelRelay/internal/broker/messages"
	"github.com/BearBump/PixelRelay/internal/cache/rediscache"
	"github.com/BearBump/PixelRelay/internal/fingerprint"
	"github.com/BearBump/PixelRelay/internal/models"
)

type Repository interface {
	CreateEvent(ctx context.Context, in models.EventCreateInput) (*models.Event, error)
	SeedPlatformStatuses(ctx context.Context, eventID, merchantID string) error
	EnqueueJob(ctx context.Context, eventID, merchantID string, retry bool, runAt time.Time) error
}

type RateLimiter interface {
	Allow(ctx context.Context, identifier string, limit int64, window time.Duration) (rediscache.Decision, error)
}

type Deduper interface {
	Claim(ctx context.Context, fp string, window time.Duration) (bool, string, error)
	Record(ctx context.Context, fp, eventID string, window time.Duration) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Profile — именованный профиль admission-контроля. У каждого входа свой
// уровень доверия и свой лимит.
type Profile string

const (
	ProfileIngest  Profile = "ingest"
	ProfileAPI     Profile = "api"
	ProfileWebhook Profile = "webhook"
)

type Status string

const (
	StatusAccepted    Status = "accepted"
	StatusRateLimited Status = "rate_limited"
	// StatusDuplicate — идемпотентный успех, клиенту отдаётся как accepted.
	StatusDuplicate Status = "duplicate"
)

type Result struct {
	Status Status
	Event  *models.Event
	// DuplicateOf — id исходного события для StatusDuplicate, если победитель
	// окна успел его записать.
	DuplicateOf string
	Remaining   int64
	ResetAtMs   int64
}

type Service struct {
	repo     Repository
	rl       RateLimiter
	dedup    Deduper
	producer Producer
	topic    string

	ingestLimit  int64
	apiLimit     int64
	webhookLimit int64
	rateWindow   time.Duration
	dedupWindow  time.Duration

	now func() time.Time
}

func New(repo Repository, rl RateLimiter, dedup Deduper, producer Producer, topic string) *Service {
	return &Service{
		repo: repo, rl: rl, dedup: dedup, producer: producer, topic: topic,
		ingestLimit:  100,
		apiLimit:     60,
		webhookLimit: 1000,
		rateWindow:   60 * time.Second,
		dedupWindow:  300 * time.Second,
		now:          time.Now,
	}
}

func (s *Service) WithLimits(ingest, api, webhook int64, window, dedupWindow time.Duration) *Service {
	if ingest > 0 {
		s.ingestLimit = ingest
	}
	if api > 0 {
		s.apiLimit = api
	}
	if webhook > 0 {
		s.webhookLimit = webhook
	}
	if window > 0 {
		s.rateWindow = window
	}
	if dedupWindow > 0 {
		s.dedupWindow = dedupWindow
	}
	return s
}

func (s *Service) limitFor(p Profile) int64 {
	switch p {
	case ProfileAPI:
		return s.apiLimit
	case ProfileWebhook:
		return s.webhookLimit
	default:
		return s.ingestLimit
	}
}

// Submit проводит событие через admission-контроль и ставит его в очередь
// доставки. identifier — идентичность вызывающего (для ingest-профиля это IP).
//
// Лимитер и дедупликатор fail-open: если Redis недоступен, событие
// принимается. Потерять конверсию дороже, чем пропустить лишний запрос.
// Доставка ниже по конвейеру, наоборот, fail-closed.
func (s *Service) Submit(ctx context.Context, in models.EventCreateInput, profile Profile, identifier string) (Result, error) {
	if in.Kind == "" {
		return Result{}, errors.New("kind is required")
	}
	if in.MerchantID == "" {
		return Result{}, errors.New("merchantId is required")
	}

	d, err := s.rl.Allow(ctx, string(profile)+":"+identifier, s.limitFor(profile), s.rateWindow)
	if err != nil {
		slog.Warn("rate limiter unavailable, admitting", "profile", profile, "error", err.Error())
		d = rediscache.Decision{Allowed: true}
	}
	if !d.Allowed {
		return Result{Status: StatusRateLimited, Remaining: 0, ResetAtMs: d.ResetAtMs}, nil
	}

	now := s.now().UTC()
	if in.DedupKey == "" {
		var subject, order string
		if in.SubjectID != nil {
			subject = *in.SubjectID
		}
		if in.OrderID != nil {
			order = *in.OrderID
		}
		var value float64
		if in.Value != nil {
			value = *in.Value
		}
		in.DedupKey = fingerprint.Compute(in.MerchantID, in.Kind, subject, order, now.UnixMilli(), value, in.ContentIDs)
	}

	dup, origID, err := s.dedup.Claim(ctx, in.DedupKey, s.dedupWindow)
	if err != nil {
		slog.Warn("deduper unavailable, admitting", "error", err.Error())
		dup = false
	}
	if dup {
		return Result{Status: StatusDuplicate, DuplicateOf: origID, Remaining: d.Remaining}, nil
	}

	ev, err := s.repo.CreateEvent(ctx, in)
	if err != nil {
		return Result{}, err
	}
	// Pending-строки по активным конфигам: read-модель показывает площадки
	// сразу после приёма. Диспетчер позже перепишет их реальным исходом.
	if err := s.repo.SeedPlatformStatuses(ctx, ev.ID, ev.MerchantID); err != nil {
		slog.Warn("seed platform statuses", "event_id", ev.ID, "error", err.Error())
	}
	if err := s.repo.EnqueueJob(ctx, ev.ID, ev.MerchantID, false, now); err != nil {
		return Result{}, err
	}
	// Привязываем id к занятому отпечатку: дубль в окне отдаст клиенту
	// исходный id. Best-effort, сам claim уже состоялся.
	if err := s.dedup.Record(ctx, in.DedupKey, ev.ID, s.dedupWindow); err != nil {
		slog.Warn("record dedup origin", "event_id", ev.ID, "error", err.Error())
	}

	s.publishAccepted(ctx, ev, false)

	return Result{Status: StatusAccepted, Event: ev, Remaining: d.Remaining, ResetAtMs: d.ResetAtMs}, nil
}

// Requeue возвращает событие в очередь вручную (операторский ретрай).
func (s *Service) Requeue(ctx context.Context, ev *models.Event) error {
	if ev == nil || ev.ID == "" {
		return errors.New("event is required")
	}
	if err := s.repo.EnqueueJob(ctx, ev.ID, ev.MerchantID, true, s.now().UTC()); err != nil {
		return err
	}
	s.publishAccepted(ctx, ev, true)
	return nil
}

// Пинок воркеру. Best-effort: таблица джобов — источник истины, тикер
// воркера подберёт событие и без Kafka.
func (s *Service) publishAccepted(ctx context.Context, ev *models.Event, retry bool) {
	if s.producer == nil || s.topic == "" {
		return
	}
	msg := messages.EventAccepted{
		EventID:    ev.ID,
		MerchantID: ev.MerchantID,
		Retry:      retry,
		AcceptedAt: s.now().UTC(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal accepted msg", "error", err.Error())
		return
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(ev.ID), b); err != nil {
		slog.Warn("publish accepted msg", "event_id", ev.ID, "error", err.Error())
	}
}
