package tiktokevents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/PixelRelay/internal/integrations/platform"
	"github.com/BearBump/PixelRelay/internal/models"
)

// Client шлёт события в TikTok Events API (business-api.tiktok.com).
type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://business-api.tiktok.com"
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Kind() models.PlatformKind { return models.PlatformTikTok }

// Словарь TikTok заметно отличается: Purchase там называется
// CompletePayment, Lead — SubmitForm.
var eventNames = map[string]string{
	models.EventKindPageView:             "Pageview",
	models.EventKindViewContent:          "ViewContent",
	models.EventKindAddToCart:            "AddToCart",
	models.EventKindInitiateCheckout:     "InitiateCheckout",
	models.EventKindPurchase:             "CompletePayment",
	models.EventKindSubscribe:            "Subscribe",
	models.EventKindStartTrial:           "StartTrial",
	models.EventKindCompleteRegistration: "CompleteRegistration",
	models.EventKindLead:                 "SubmitForm",
	models.EventKindSearch:               "Search",
}

func mapEventName(kind string) string {
	if n, ok := eventNames[kind]; ok {
		return n
	}
	return kind
}

type user struct {
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

type properties struct {
	Value       *float64 `json:"value,omitempty"`
	Currency    *string  `json:"currency,omitempty"`
	ContentIDs  []string `json:"content_ids,omitempty"`
	ContentName *string  `json:"content_name,omitempty"`
	ContentType *string  `json:"content_type,omitempty"`
	Quantity    *int32   `json:"quantity,omitempty"`
	OrderID     *string  `json:"order_id,omitempty"`
}

type trackEvent struct {
	Event      string     `json:"event"`
	EventTime  int64      `json:"event_time"`
	EventID    string     `json:"event_id"`
	User       user       `json:"user"`
	Properties properties `json:"properties"`
}

type trackRequest struct {
	EventSource   string       `json:"event_source"`
	EventSourceID string       `json:"event_source_id"`
	TestEventCode string       `json:"test_event_code,omitempty"`
	Data          []trackEvent `json:"data"`
}

type trackResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Send(ctx context.Context, ev *models.Event, cfg *models.PlatformConfig) (platform.Receipt, error) {
	if cfg.AccountID == "" || cfg.Credential == "" {
		return platform.Receipt{}, platform.MissingCredential(c.Kind(), "pixel code or access token is not configured")
	}

	u := user{}
	if ev.Email != nil {
		u.Email = platform.HashEmail(*ev.Email)
	}
	if ev.Phone != nil {
		u.Phone = platform.HashPhone(*ev.Phone)
	}
	if ev.SubjectID != nil {
		u.ExternalID = *ev.SubjectID
	}

	body := trackRequest{
		EventSource:   "web",
		EventSourceID: cfg.AccountID,
		Data: []trackEvent{{
			Event:     mapEventName(ev.Kind),
			EventTime: ev.CreatedAt.Unix(),
			EventID:   ev.ID,
			User:      u,
			Properties: properties{
				Value:       ev.Value,
				Currency:    ev.Currency,
				ContentIDs:  ev.ContentIDs,
				ContentName: ev.ContentName,
				ContentType: ev.ContentCategory,
				Quantity:    ev.Quantity,
				OrderID:     ev.OrderID,
			},
		}},
	}
	if cfg.TestMode {
		body.TestEventCode = "TEST_" + cfg.AccountID
	}

	reqJSON, err := json.Marshal(body)
	if err != nil {
		return platform.Receipt{}, platform.TransportError(c.Kind(), "marshal request", err, platform.Receipt{})
	}

	u2, err := url.Parse(c.baseURL)
	if err != nil {
		return platform.Receipt{}, platform.TransportError(c.Kind(), "parse base url", err, platform.Receipt{})
	}
	u2.Path = "/open_api/v1.3/event/track/"

	rcpt := platform.Receipt{RequestJSON: string(reqJSON), SentAt: time.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u2.String(), bytes.NewReader(reqJSON))
	if err != nil {
		return rcpt, platform.TransportError(c.Kind(), "new request", err, rcpt)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Access-Token", cfg.Credential)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return rcpt, platform.TransportError(c.Kind(), "do request", err, rcpt)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	rcpt.ResponseJSON = string(respBody)

	if resp.StatusCode/100 != 2 {
		return rcpt, platform.PlatformRejected(c.Kind(), fmt.Sprintf("http %d", resp.StatusCode), rcpt)
	}

	// Events API всегда отвечает 200; признак ошибки — code != 0 в теле.
	var r trackResponse
	if err := json.Unmarshal(respBody, &r); err != nil {
		return rcpt, platform.PlatformRejected(c.Kind(), "unparseable response body", rcpt)
	}
	if r.Code != 0 {
		return rcpt, platform.PlatformRejected(c.Kind(), fmt.Sprintf("api error %d: %s", r.Code, r.Message), rcpt)
	}

	return rcpt, nil
}
