package fbconv

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

// Client шлёт события в Conversions API (graph.facebook.com).
// base URL переопределяется для эмулятора/тестов.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v18.0"
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Kind() models.PlatformKind { return models.PlatformFacebook }

// Наши виды событий почти совпадают со словарём CAPI.
// Неизвестный вид уходит как есть, а не выбрасывается.
var eventNames = map[string]string{
	models.EventKindPageView:             "PageView",
	models.EventKindViewContent:          "ViewContent",
	models.EventKindAddToCart:            "AddToCart",
	models.EventKindInitiateCheckout:     "InitiateCheckout",
	models.EventKindPurchase:             "Purchase",
	models.EventKindSubscribe:            "Subscribe",
	models.EventKindStartTrial:           "StartTrial",
	models.EventKindCompleteRegistration: "CompleteRegistration",
	models.EventKindLead:                 "Lead",
	models.EventKindSearch:               "Search",
}

func mapEventName(kind string) string {
	if n, ok := eventNames[kind]; ok {
		return n
	}
	return kind
}

type userData struct {
	Em         []string `json:"em,omitempty"`
	Ph         []string `json:"ph,omitempty"`
	ExternalID []string `json:"external_id,omitempty"`
}

type customData struct {
	Value           *float64 `json:"value,omitempty"`
	Currency        *string  `json:"currency,omitempty"`
	ContentIDs      []string `json:"content_ids,omitempty"`
	ContentName     *string  `json:"content_name,omitempty"`
	ContentCategory *string  `json:"content_category,omitempty"`
	NumItems        *int32   `json:"num_items,omitempty"`
	OrderID         *string  `json:"order_id,omitempty"`
}

type capiEvent struct {
	EventName    string     `json:"event_name"`
	EventTime    int64      `json:"event_time"`
	EventID      string     `json:"event_id"`
	ActionSource string     `json:"action_source"`
	UserData     userData   `json:"user_data"`
	CustomData   customData `json:"custom_data"`
}

type capiRequest struct {
	Data          []capiEvent `json:"data"`
	TestEventCode string      `json:"test_event_code,omitempty"`
}

type capiResponse struct {
	EventsReceived int `json:"events_received"`
	Error          *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) Send(ctx context.Context, ev *models.Event, cfg *models.PlatformConfig) (platform.Receipt, error) {
	if cfg.AccountID == "" || cfg.Credential == "" {
		return platform.Receipt{}, platform.MissingCredential(c.Kind(), "pixel id or access token is not configured")
	}

	ud := userData{}
	if ev.Email != nil {
		if h := platform.HashEmail(*ev.Email); h != "" {
			ud.Em = []string{h}
		}
	}
	if ev.Phone != nil {
		if h := platform.HashPhone(*ev.Phone); h != "" {
			ud.Ph = []string{h}
		}
	}
	if ev.SubjectID != nil && *ev.SubjectID != "" {
		ud.ExternalID = []string{*ev.SubjectID}
	}

	body := capiRequest{
		Data: []capiEvent{{
			EventName: mapEventName(ev.Kind),
			EventTime: ev.CreatedAt.Unix(),
			// event_id = наш id события: если тот же конверт придёт с
			// клиентского пикселя, CAPI сама его дедуплицирует.
			EventID:      ev.ID,
			ActionSource: actionSource(ev.Source),
			UserData:     ud,
			CustomData: customData{
				Value:           ev.Value,
				Currency:        ev.Currency,
				ContentIDs:      ev.ContentIDs,
				ContentName:     ev.ContentName,
				ContentCategory: ev.ContentCategory,
				NumItems:        ev.Quantity,
				OrderID:         ev.OrderID,
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

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return platform.Receipt{}, platform.TransportError(c.Kind(), "parse base url", err, platform.Receipt{})
	}
	u.Path = fmt.Sprintf("%s/%s/events", u.Path, url.PathEscape(cfg.AccountID))
	q := u.Query()
	q.Set("access_token", cfg.Credential)
	u.RawQuery = q.Encode()

	rcpt := platform.Receipt{RequestJSON: string(reqJSON), SentAt: time.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(reqJSON))
	if err != nil {
		return rcpt, platform.TransportError(c.Kind(), "new request", err, rcpt)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return rcpt, platform.TransportError(c.Kind(), "do request", err, rcpt)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	rcpt.ResponseJSON = string(respBody)

	if resp.StatusCode/100 != 2 {
		return rcpt, platform.PlatformRejected(c.Kind(), fmt.Sprintf("http %d: %s", resp.StatusCode, truncate(respBody)), rcpt)
	}

	// CAPI умеет отвечать 200 с error-объектом в теле. HTTP 2xx сам по
	// себе успехом не считается.
	var r capiResponse
	if err := json.Unmarshal(respBody, &r); err != nil {
		return rcpt, platform.PlatformRejected(c.Kind(), "unparseable response body", rcpt)
	}
	if r.Error != nil {
		return rcpt, platform.PlatformRejected(c.Kind(), fmt.Sprintf("api error %d: %s", r.Error.Code, r.Error.Message), rcpt)
	}

	return rcpt, nil
}

func actionSource(source string) string {
	switch source {
	case models.EventSourceBrowser:
		return "website"
	default:
		return "system_generated"
	}
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
