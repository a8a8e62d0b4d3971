package ga4mp

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

// Client шлёт события в GA4 Measurement Protocol
// (www.google-analytics.com/mp/collect).
type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://www.google-analytics.com"
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Kind() models.PlatformKind { return models.PlatformGA4 }

// GA4 использует snake_case-словарь рекомендованных событий.
var eventNames = map[string]string{
	models.EventKindPageView:             "page_view",
	models.EventKindViewContent:          "view_item",
	models.EventKindAddToCart:            "add_to_cart",
	models.EventKindInitiateCheckout:     "begin_checkout",
	models.EventKindPurchase:             "purchase",
	models.EventKindSubscribe:            "subscribe",
	models.EventKindStartTrial:           "start_trial",
	models.EventKindCompleteRegistration: "sign_up",
	models.EventKindLead:                 "generate_lead",
	models.EventKindSearch:               "search",
}

func mapEventName(kind string) string {
	if n, ok := eventNames[kind]; ok {
		return n
	}
	return kind
}

type mpEvent struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

type mpUserData struct {
	SHA256EmailAddress []string `json:"sha256_email_address,omitempty"`
	SHA256PhoneNumber  []string `json:"sha256_phone_number,omitempty"`
}

type mpRequest struct {
	ClientID string      `json:"client_id"`
	UserID   string      `json:"user_id,omitempty"`
	UserData *mpUserData `json:"user_data,omitempty"`
	Events   []mpEvent   `json:"events"`
}

func (c *Client) Send(ctx context.Context, ev *models.Event, cfg *models.PlatformConfig) (platform.Receipt, error) {
	if cfg.AccountID == "" || cfg.Credential == "" {
		return platform.Receipt{}, platform.MissingCredential(c.Kind(), "measurement id or api secret is not configured")
	}

	params := map[string]any{}
	if ev.Value != nil {
		params["value"] = *ev.Value
	}
	if ev.Currency != nil {
		params["currency"] = *ev.Currency
	}
	if ev.OrderID != nil {
		// transaction_id — это и есть дедуп-ключ GA4 для purchase-событий.
		params["transaction_id"] = *ev.OrderID
	} else {
		params["transaction_id"] = ev.ID
	}
	if len(ev.ContentIDs) > 0 {
		items := make([]map[string]any, 0, len(ev.ContentIDs))
		for _, id := range ev.ContentIDs {
			item := map[string]any{"item_id": id}
			if ev.ContentName != nil {
				item["item_name"] = *ev.ContentName
			}
			if ev.ContentCategory != nil {
				item["item_category"] = *ev.ContentCategory
			}
			if ev.Quantity != nil {
				item["quantity"] = *ev.Quantity
			}
			items = append(items, item)
		}
		params["items"] = items
	}

	clientID := ev.ID
	body := mpRequest{
		ClientID: clientID,
		Events:   []mpEvent{{Name: mapEventName(ev.Kind), Params: params}},
	}
	if ev.SubjectID != nil {
		body.UserID = *ev.SubjectID
	}

	ud := &mpUserData{}
	if ev.Email != nil {
		if h := platform.HashEmail(*ev.Email); h != "" {
			ud.SHA256EmailAddress = []string{h}
		}
	}
	if ev.Phone != nil {
		if h := platform.HashPhone(*ev.Phone); h != "" {
			ud.SHA256PhoneNumber = []string{h}
		}
	}
	if len(ud.SHA256EmailAddress) > 0 || len(ud.SHA256PhoneNumber) > 0 {
		body.UserData = ud
	}

	reqJSON, err := json.Marshal(body)
	if err != nil {
		return platform.Receipt{}, platform.TransportError(c.Kind(), "marshal request", err, platform.Receipt{})
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return platform.Receipt{}, platform.TransportError(c.Kind(), "parse base url", err, platform.Receipt{})
	}
	if cfg.TestMode {
		u.Path = "/debug/mp/collect"
	} else {
		u.Path = "/mp/collect"
	}
	q := u.Query()
	q.Set("measurement_id", cfg.AccountID)
	q.Set("api_secret", cfg.Credential)
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

	// Measurement Protocol на боевом endpoint-е не сообщает ошибок в теле:
	// 2xx (обычно пустой 204) — это успех. Инспекция тела тут не нужна,
	// в отличие от CAPI/TikTok.
	if resp.StatusCode/100 != 2 {
		return rcpt, platform.PlatformRejected(c.Kind(), fmt.Sprintf("http %d", resp.StatusCode), rcpt)
	}

	return rcpt, nil
}
