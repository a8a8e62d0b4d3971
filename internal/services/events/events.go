package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/PixelRelay/internal/broker/messages"
	"github.com/BearBump/PixelRelay/internal/cache"
	"github.com/BearBump/PixelRelay/internal/models"
)

type Repository interface {
	GetEventsByIDs(ctx context.Context, ids []string) ([]*models.Event, error)
	ListDeliveryLogs(ctx context.Context, eventID string, limit, offset int) ([]*models.DeliveryLog, error)
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, currentTTL: currentTTL}
}

func (s *Service) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	if id == "" {
		return nil, errors.New("eventId is required")
	}
	evs, err := s.GetEventsByIDs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, nil
	}
	return evs[0], nil
}

func (s *Service) GetEventsByIDs(ctx context.Context, ids []string) ([]*models.Event, error) {
	if len(ids) == 0 {
		return []*models.Event{}, nil
	}
	// Кэшируем "текущее состояние" целиком как JSON события.
	// Кэш best-effort: промах или битое значение — просто идём в БД.
	miss := make([]string, 0, len(ids))
	got := make(map[string]*models.Event, len(ids))

	if s.cache != nil && s.currentTTL > 0 {
		for _, id := range ids {
			b, ok, err := s.cache.Get(ctx, currentKey(id))
			if err != nil || !ok {
				miss = append(miss, id)
				continue
			}
			var e models.Event
			if json.Unmarshal(b, &e) != nil {
				miss = append(miss, id)
				continue
			}
			got[id] = &e
		}
	} else {
		miss = ids
	}

	if len(miss) > 0 {
		fromDB, err := s.repo.GetEventsByIDs(ctx, miss)
		if err != nil {
			return nil, err
		}
		if s.cache != nil && s.currentTTL > 0 {
			for _, e := range fromDB {
				b, _ := json.Marshal(e)
				_ = s.cache.Set(ctx, currentKey(e.ID), b, s.currentTTL)
			}
		}
		for _, e := range fromDB {
			got[e.ID] = e
		}
	}

	// Собираем ответ в том же порядке, что ids.
	out := make([]*models.Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := got[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) ListDeliveryLogs(ctx context.Context, eventID string, limit, offset int) ([]*models.DeliveryLog, error) {
	if eventID == "" {
		return nil, errors.New("eventId is required")
	}
	return s.repo.ListDeliveryLogs(ctx, eventID, limit, offset)
}

// ApplyDeliveryResult обрабатывает сообщение воркера. Состояние события
// уже записано в БД самим воркером; здесь только освежаем кэш, чтобы
// читатели API сразу видели исход попытки.
func (s *Service) ApplyDeliveryResult(ctx context.Context, msg messages.DeliveryResult) error {
	if msg.EventID == "" {
		return errors.New("event_id is required")
	}
	if s.cache == nil || s.currentTTL == 0 {
		return nil
	}

	evs, err := s.repo.GetEventsByIDs(ctx, []string{msg.EventID})
	if err != nil {
		return err
	}
	if len(evs) != 1 {
		return nil
	}
	b, _ := json.Marshal(evs[0])
	return s.cache.Set(ctx, currentKey(msg.EventID), b, s.currentTTL)
}

func currentKey(id string) string {
	return fmt.Sprintf("event:%s:current", id)
}
