package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/PixelRelay/internal/broker/messages"
	"github.com/BearBump/PixelRelay/internal/models"
)

type fakeRepo struct {
	getIn  []string
	getOut []*models.Event
	getErr error

	logsID  string
	logsOut []*models.DeliveryLog
}

func (f *fakeRepo) GetEventsByIDs(ctx context.Context, ids []string) ([]*models.Event, error) {
	f.getIn = ids
	return f.getOut, f.getErr
}

func (f *fakeRepo) ListDeliveryLogs(ctx context.Context, eventID string, limit, offset int) ([]*models.DeliveryLog, error) {
	f.logsID = eventID
	return f.logsOut, nil
}

type fakeCache struct {
	m map[string][]byte
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok := c.m[key]
	return b, ok, nil
}
func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.m[key] = value
	return nil
}

func TestService_GetEventsByIDs_CacheHit(t *testing.T) {
	r := &fakeRepo{}
	c := &fakeCache{m: map[string][]byte{}}
	s := New(r, c, 10*time.Minute)

	want := &models.Event{ID: "evt-7", MerchantID: "m-1", Status: models.EventStatusCompleted}
	b, _ := json.Marshal(want)
	c.m["event:evt-7:current"] = b

	out, err := s.GetEventsByIDs(context.Background(), []string{"evt-7"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "evt-7", out[0].ID)
	require.Nil(t, r.getIn) // БД не трогали
}

func TestService_GetEventsByIDs_MissGoesToDBAndFillsCache(t *testing.T) {
	r := &fakeRepo{getOut: []*models.Event{{ID: "evt-1", Status: models.EventStatusPending}}}
	c := &fakeCache{m: map[string][]byte{}}
	s := New(r, c, 10*time.Minute)

	out, err := s.GetEventsByIDs(context.Background(), []string{"evt-1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, []string{"evt-1"}, r.getIn)
	require.Contains(t, c.m, "event:evt-1:current")
}

func TestService_GetEventsByIDs_PreservesOrder(t *testing.T) {
	r := &fakeRepo{getOut: []*models.Event{{ID: "b"}, {ID: "a"}}}
	s := New(r, nil, 0)

	out, err := s.GetEventsByIDs(context.Background(), []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].ID)
	require.Equal(t, "b", out[1].ID)
}

func TestService_GetEvent_Validate(t *testing.T) {
	s := New(&fakeRepo{}, nil, 0)
	_, err := s.GetEvent(context.Background(), "")
	require.Error(t, err)
}

func TestService_ListDeliveryLogs(t *testing.T) {
	r := &fakeRepo{logsOut: []*models.DeliveryLog{{ID: 1, EventID: "evt-1"}}}
	s := New(r, nil, 0)

	_, err := s.ListDeliveryLogs(context.Background(), "", 10, 0)
	require.Error(t, err)

	out, err := s.ListDeliveryLogs(context.Background(), "evt-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "evt-1", r.logsID)
}

func TestService_ApplyDeliveryResult_RefreshesCache(t *testing.T) {
	r := &fakeRepo{getOut: []*models.Event{{ID: "evt-1", Status: models.EventStatusCompleted}}}
	c := &fakeCache{m: map[string][]byte{}}
	s := New(r, c, 10*time.Minute)

	require.Error(t, s.ApplyDeliveryResult(context.Background(), messages.DeliveryResult{}))

	msg := messages.DeliveryResult{EventID: "evt-1", Status: models.EventStatusCompleted}
	require.NoError(t, s.ApplyDeliveryResult(context.Background(), msg))

	var cached models.Event
	require.NoError(t, json.Unmarshal(c.m["event:evt-1:current"], &cached))
	require.Equal(t, models.EventStatusCompleted, cached.Status)
}
