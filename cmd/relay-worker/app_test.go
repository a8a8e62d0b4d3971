package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/PixelRelay/config"
	"github.com/BearBump/PixelRelay/internal/integrations/platform"
	"github.com/BearBump/PixelRelay/internal/integrations/platform/fake"
	"github.com/BearBump/PixelRelay/internal/integrations/platform/fbconv"
	"github.com/BearBump/PixelRelay/internal/integrations/platform/ga4mp"
	"github.com/BearBump/PixelRelay/internal/integrations/platform/tiktokevents"
	"github.com/BearBump/PixelRelay/internal/models"
	"github.com/BearBump/PixelRelay/internal/services/dispatch"
)

type fakeRepo struct{}

func (fakeRepo) ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.DeliveryJob, error) {
	return []*models.DeliveryJob{}, nil
}
func (fakeRepo) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	return nil, nil
}
func (fakeRepo) ListActivePlatformConfigs(ctx context.Context, merchantID string) ([]*models.PlatformConfig, error) {
	return nil, nil
}
func (fakeRepo) UpdatePlatformStatus(ctx context.Context, eventID string, p models.PlatformKind, accountID, status string, sentAt *time.Time, lastError *string) error {
	return nil
}
func (fakeRepo) UpdateOverallStatus(ctx context.Context, eventID, status string, processedAt *time.Time) error {
	return nil
}
func (fakeRepo) IncrementRetryCount(ctx context.Context, eventID string) (int32, error) {
	return 0, nil
}
func (fakeRepo) CompleteJob(ctx context.Context, eventID string, at time.Time) error   { return nil }
func (fakeRepo) RescheduleJob(ctx context.Context, eventID string, next time.Time) error { return nil }
func (fakeRepo) FailJob(ctx context.Context, eventID string, at time.Time) error       { return nil }
func (fakeRepo) AppendDeliveryLog(ctx context.Context, l *models.DeliveryLog) error    { return nil }

type noopProducer struct{}

func (noopProducer) Publish(ctx context.Context, topic string, key, value []byte) error { return nil }

func TestDefaultWorkerFactories_SelectSenders(t *testing.T) {
	f := defaultWorkerFactories()

	cfgFake := &config.Config{}
	senders := f.newSenders(cfgFake)
	require.Len(t, senders, 3)
	_, ok := senders[0].(*fake.FakeSender)
	require.True(t, ok)

	cfgLive := &config.Config{
		PixelRelay: config.PixelRelayConfig{
			SenderMode:      "live",
			FacebookBaseURL: "http://localhost:9000",
			TikTokBaseURL:   "http://localhost:9001",
			GA4BaseURL:      "http://localhost:9002",
		},
	}
	senders = f.newSenders(cfgLive)
	require.Len(t, senders, 3)
	_, ok = senders[0].(*fbconv.Client)
	require.True(t, ok)
	_, ok = senders[1].(*tiktokevents.Client)
	require.True(t, ok)
	_, ok = senders[2].(*ga4mp.Client)
	require.True(t, ok)
}

func TestDefaultWorkerFactories_Producer_NonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
	}
	require.NotNil(t, f.newProducer(cfg))
}

func TestRunRelayWorker_ContextCanceled(t *testing.T) {
	calledClose := false

	f := workerFactories{
		newStorage: func(cfg *config.Config) (dispatch.Repository, func(), error) {
			return fakeRepo{}, func() { calledClose = true }, nil
		},
		newProducer: func(cfg *config.Config) dispatch.Producer {
			return noopProducer{}
		},
		newSenders: func(cfg *config.Config) []platform.Sender {
			return []platform.Sender{fake.New(models.PlatformFacebook)}
		},
	}

	cfg := &config.Config{
		Kafka:      config.KafkaConfig{DeliveryResultTopicName: "t"},
		PixelRelay: config.PixelRelayConfig{WorkerPollIntervalSeconds: 1},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunRelayWorker(ctx, cfg, f, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, calledClose)
}

func TestRunWorkerHTTPServer_Endpoints(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	d := dispatch.New(fakeRepo{}, nil, nil, "")
	cfg := &config.Config{PixelRelay: config.PixelRelayConfig{WorkerConcurrency: 5}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: sw,
			onListen:    func(addr string) { addrCh <- addr },
			dispatcher:  d,
			cfg:         cfg,
		})
	}()

	addr := <-addrCh

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/stats")
	require.NoError(t, err)
	var st dispatch.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	_ = resp.Body.Close()
	require.False(t, st.StartedAt.IsZero())

	resp, err = http.Post("http://"+addr+"/trigger", "application/json", nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Contains(t, string(body), "triggered")

	resp, err = http.Get("http://" + addr + "/config")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Contains(t, string(body), "concurrency")

	cancel()
	select {
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting worker http server to stop")
	case <-errCh:
	}
}
