package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/PixelRelay/internal/broker/messages"
	"github.com/BearBump/PixelRelay/internal/cache/rediscache"
	"github.com/BearBump/PixelRelay/internal/models"
)

type fakeRepo struct {
	createIn  *models.EventCreateInput
	createErr error

	seededID string
	seedErr  error

	enqueuedID    string
	enqueuedRetry bool
	enqueueErr    error
}

func (f *fakeRepo) CreateEvent(ctx context.Context, in models.EventCreateInput) (*models.Event, error) {
	f.createIn = &in
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &models.Event{ID: "evt-1", MerchantID: in.MerchantID, DedupKey: in.DedupKey, Kind: in.Kind, Status: models.EventStatusPending}, nil
}

func (f *fakeRepo) SeedPlatformStatuses(ctx context.Context, eventID, merchantID string) error {
	f.seededID = eventID
	return f.seedErr
}

func (f *fakeRepo) EnqueueJob(ctx context.Context, eventID, merchantID string, retry bool, runAt time.Time) error {
	f.enqueuedID = eventID
	f.enqueuedRetry = retry
	return f.enqueueErr
}

type fakeRL struct {
	lastID    string
	lastLimit int64
	d         rediscache.Decision
	err       error
}

func (f *fakeRL) Allow(ctx context.Context, identifier string, limit int64, window time.Duration) (rediscache.Decision, error) {
	f.lastID = identifier
	f.lastLimit = limit
	return f.d, f.err
}

type fakeDedup struct {
	lastFP string
	dup    bool
	origID string
	err    error

	recordedFP string
	recordedID string
}

func (f *fakeDedup) Claim(ctx context.Context, fp string, window time.Duration) (bool, string, error) {
	f.lastFP = fp
	return f.dup, f.origID, f.err
}

func (f *fakeDedup) Record(ctx context.Context, fp, eventID string, window time.Duration) error {
	f.recordedFP = fp
	f.recordedID = eventID
	return nil
}

type fakeProducer struct {
	topic string
	key   []byte
	value []byte
	err   error
	calls int
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	f.calls++
	f.topic = topic
	f.key = key
	f.value = value
	return f.err
}

func okRL() *fakeRL {
	return &fakeRL{d: rediscache.Decision{Allowed: true, Remaining: 99, ResetAtMs: 1000}}
}

func validInput() models.EventCreateInput {
	return models.EventCreateInput{MerchantID: "m-1", Kind: models.EventKindPurchase, Source: models.EventSourceBrowser}
}

func TestService_Submit_Validate(t *testing.T) {
	s := New(&fakeRepo{}, okRL(), &fakeDedup{}, nil, "")

	_, err := s.Submit(context.Background(), models.EventCreateInput{MerchantID: "m-1"}, ProfileIngest, "1.2.3.4")
	require.Error(t, err)

	_, err = s.Submit(context.Background(), models.EventCreateInput{Kind: "Purchase"}, ProfileIngest, "1.2.3.4")
	require.Error(t, err)
}

func TestService_Submit_Accepted(t *testing.T) {
	repo := &fakeRepo{}
	rl := okRL()
	dd := &fakeDedup{}
	pr := &fakeProducer{}
	s := New(repo, rl, dd, pr, "events.accepted")

	res, err := s.Submit(context.Background(), validInput(), ProfileIngest, "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	require.Equal(t, "evt-1", res.Event.ID)
	require.Equal(t, int64(99), res.Remaining)

	// идентичность лимитера включает профиль
	require.Equal(t, "ingest:1.2.3.4", rl.lastID)
	require.Equal(t, int64(100), rl.lastLimit)

	// отпечаток вычислен и записан в событие
	require.NotEmpty(t, dd.lastFP)
	require.Equal(t, dd.lastFP, repo.createIn.DedupKey)
	require.Equal(t, "evt-1", repo.enqueuedID)
	require.False(t, repo.enqueuedRetry)

	// pending-строки по конфигам засеяны сразу при приёме
	require.Equal(t, "evt-1", repo.seededID)
	// id привязан к отпечатку для будущих дублей
	require.Equal(t, dd.lastFP, dd.recordedFP)
	require.Equal(t, "evt-1", dd.recordedID)

	require.Equal(t, 1, pr.calls)
	require.Equal(t, "events.accepted", pr.topic)
	var msg messages.EventAccepted
	require.NoError(t, json.Unmarshal(pr.value, &msg))
	require.Equal(t, "evt-1", msg.EventID)
	require.False(t, msg.Retry)
}

func TestService_Submit_ProfileLimits(t *testing.T) {
	rl := okRL()
	s := New(&fakeRepo{}, rl, &fakeDedup{}, nil, "")

	_, err := s.Submit(context.Background(), validInput(), ProfileAPI, "key-1")
	require.NoError(t, err)
	require.Equal(t, int64(60), rl.lastLimit)

	_, err = s.Submit(context.Background(), validInput(), ProfileWebhook, "shop-1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), rl.lastLimit)
}

func TestService_Submit_RateLimited(t *testing.T) {
	repo := &fakeRepo{}
	rl := &fakeRL{d: rediscache.Decision{Allowed: false, ResetAtMs: 12345}}
	s := New(repo, rl, &fakeDedup{}, nil, "")

	res, err := s.Submit(context.Background(), validInput(), ProfileIngest, "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, StatusRateLimited, res.Status)
	require.Equal(t, int64(12345), res.ResetAtMs)
	require.Nil(t, repo.createIn) // событие не создавалось
}

func TestService_Submit_Duplicate(t *testing.T) {
	repo := &fakeRepo{}
	s := New(repo, okRL(), &fakeDedup{dup: true, origID: "evt-0"}, nil, "")

	res, err := s.Submit(context.Background(), validInput(), ProfileIngest, "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, StatusDuplicate, res.Status)
	// дубль отдаёт id исходного события
	require.Equal(t, "evt-0", res.DuplicateOf)
	require.Nil(t, repo.createIn)
}

func TestService_Submit_ClientDedupKeyWins(t *testing.T) {
	dd := &fakeDedup{}
	s := New(&fakeRepo{}, okRL(), dd, nil, "")

	in := validInput()
	in.DedupKey = "client-key-1"
	_, err := s.Submit(context.Background(), in, ProfileIngest, "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, "client-key-1", dd.lastFP)
}

func TestService_Submit_FailOpen(t *testing.T) {
	repo := &fakeRepo{}
	rl := &fakeRL{err: errors.New("redis down")}
	dd := &fakeDedup{err: errors.New("redis down")}
	s := New(repo, rl, dd, nil, "")

	res, err := s.Submit(context.Background(), validInput(), ProfileIngest, "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	require.Equal(t, "evt-1", repo.enqueuedID)
}

func TestService_Submit_SeedFailureIsNotFatal(t *testing.T) {
	repo := &fakeRepo{seedErr: errors.New("pg down")}
	s := New(repo, okRL(), &fakeDedup{}, nil, "")

	res, err := s.Submit(context.Background(), validInput(), ProfileIngest, "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	require.Equal(t, "evt-1", repo.enqueuedID)
}

func TestService_Submit_PublishFailureIsNotFatal(t *testing.T) {
	pr := &fakeProducer{err: errors.New("kafka down")}
	s := New(&fakeRepo{}, okRL(), &fakeDedup{}, pr, "events.accepted")

	res, err := s.Submit(context.Background(), validInput(), ProfileIngest, "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Status)
}

func TestService_Requeue(t *testing.T) {
	repo := &fakeRepo{}
	pr := &fakeProducer{}
	s := New(repo, okRL(), &fakeDedup{}, pr, "events.accepted")

	require.Error(t, s.Requeue(context.Background(), nil))

	ev := &models.Event{ID: "evt-9", MerchantID: "m-1"}
	require.NoError(t, s.Requeue(context.Background(), ev))
	require.Equal(t, "evt-9", repo.enqueuedID)
	require.True(t, repo.enqueuedRetry)

	var msg messages.EventAccepted
	require.NoError(t, json.Unmarshal(pr.value, &msg))
	require.True(t, msg.Retry)
}
