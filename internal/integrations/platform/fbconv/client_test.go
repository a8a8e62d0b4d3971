package fbconv

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/PixelRelay/internal/integrations/platform"
	"github.com/BearBump/PixelRelay/internal/models"
)

func strPtr(s string) *string   { return &s }
func f64Ptr(v float64) *float64 { return &v }

func testEvent() *models.Event {
	return &models.Event{
		ID:         "evt-123",
		MerchantID: "m-1",
		Kind:       models.EventKindPurchase,
		Source:     models.EventSourceBrowser,
		Email:      strPtr("  User@Example.COM "),
		Phone:      strPtr("+1 (555) 010-0200"),
		Value:      f64Ptr(49.9),
		Currency:   strPtr("USD"),
		OrderID:    strPtr("order-7"),
		CreatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testConfig() *models.PlatformConfig {
	return &models.PlatformConfig{
		MerchantID: "m-1",
		Platform:   models.PlatformFacebook,
		AccountID:  "PIXEL1",
		Credential: "tok-abc",
	}
}

func TestClient_Send_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/PIXEL1/events", r.URL.Path)
		require.Equal(t, "tok-abc", r.URL.Query().Get("access_token"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var body capiRequest
		require.NoError(t, json.Unmarshal(raw, &body))
		require.Len(t, body.Data, 1)
		e := body.Data[0]
		require.Equal(t, "Purchase", e.EventName)
		require.Equal(t, "evt-123", e.EventID)
		require.Equal(t, "website", e.ActionSource)
		require.Equal(t, []string{platform.HashEmail("user@example.com")}, e.UserData.Em)
		require.Equal(t, []string{platform.HashPhone("15550100200")}, e.UserData.Ph)
		// сырой PII не должен утекать на проволоку
		require.NotContains(t, string(raw), "Example.COM")
		require.NotContains(t, string(raw), "555")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events_received":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	rcpt, err := c.Send(context.Background(), testEvent(), testConfig())
	require.NoError(t, err)
	require.Contains(t, rcpt.ResponseJSON, "events_received")
	require.NotEmpty(t, rcpt.RequestJSON)
}

func TestClient_Send_ErrorIn200Body(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid pixel","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Send(context.Background(), testEvent(), testConfig())
	require.Error(t, err)

	var derr *platform.DeliveryError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, platform.FailurePlatformRejected, derr.Kind)
	require.True(t, derr.Retryable())
	require.Contains(t, derr.Message, "Invalid pixel")
}

func TestClient_Send_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "server blew up", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Send(context.Background(), testEvent(), testConfig())

	var derr *platform.DeliveryError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, platform.FailurePlatformRejected, derr.Kind)
}

func TestClient_Send_MissingCredential(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL)
	cfg := testConfig()
	cfg.Credential = ""
	_, err := c.Send(context.Background(), testEvent(), cfg)

	var derr *platform.DeliveryError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, platform.FailureMissingCredential, derr.Kind)
	require.False(t, derr.Retryable())
	require.False(t, called)
}

func TestClient_Send_TestMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body capiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "TEST_PIXEL1", body.TestEventCode)
		_, _ = w.Write([]byte(`{"events_received":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	cfg := testConfig()
	cfg.TestMode = true
	_, err := c.Send(context.Background(), testEvent(), cfg)
	require.NoError(t, err)
}
