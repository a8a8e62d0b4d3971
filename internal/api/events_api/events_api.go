package events_api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BearBump/PixelRelay/internal/models"
	"github.com/BearBump/PixelRelay/internal/services/events"
	"github.com/BearBump/PixelRelay/internal/services/ingest"
)

type EventsAPI struct {
	ingest *ingest.Service
	events *events.Service
}

func New(ing *ingest.Service, evs *events.Service) *EventsAPI {
	return &EventsAPI{ingest: ing, events: evs}
}

// Router монтирует три входа с разными admission-профилями:
// браузерный трекер (лимит по IP), серверный импорт (лимит по API-ключу)
// и вебхуки платформ магазинов (лимит по мерчанту).
func (a *EventsAPI) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/v1/events", a.handleSubmitBrowser)
	r.Post("/v1/events/import", a.handleSubmitImport)
	r.Post("/v1/webhooks/events", a.handleSubmitWebhook)
	r.Get("/v1/events/{id}", a.handleGetEvent)
	r.Get("/v1/events/{id}/logs", a.handleListLogs)
	r.Post("/v1/events/{id}/retry", a.handleRetry)
	return r
}

type eventPayload struct {
	MerchantID string `json:"merchantId"`
	DedupKey   string `json:"dedupKey,omitempty"`

	Kind   string `json:"kind"`
	Source string `json:"source,omitempty"`

	SubjectID *string `json:"subjectId,omitempty"`
	Email     *string `json:"email,omitempty"`
	Phone     *string `json:"phone,omitempty"`

	Value           *float64       `json:"value,omitempty"`
	Currency        *string        `json:"currency,omitempty"`
	OrderID         *string        `json:"orderId,omitempty"`
	ContentIDs      []string       `json:"contentIds,omitempty"`
	ContentName     *string        `json:"contentName,omitempty"`
	ContentCategory *string        `json:"contentCategory,omitempty"`
	Quantity        *int32         `json:"quantity,omitempty"`
	Custom          map[string]any `json:"custom,omitempty"`
}

func (p eventPayload) toInput(defaultSource string) models.EventCreateInput {
	src := p.Source
	if src == "" {
		src = defaultSource
	}
	return models.EventCreateInput{
		MerchantID: p.MerchantID,
		DedupKey:   p.DedupKey,
		Kind:       p.Kind,
		Source:     src,

		SubjectID: p.SubjectID,
		Email:     p.Email,
		Phone:     p.Phone,

		Value:           p.Value,
		Currency:        p.Currency,
		OrderID:         p.OrderID,
		ContentIDs:      p.ContentIDs,
		ContentName:     p.ContentName,
		ContentCategory: p.ContentCategory,
		Quantity:        p.Quantity,
		Custom:          p.Custom,
	}
}

type submitResponse struct {
	Status    string `json:"status"`
	EventID   string `json:"eventId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Remaining int64  `json:"remaining,omitempty"`
	ResetAtMs int64  `json:"resetAtMs,omitempty"`
}

func (a *EventsAPI) handleSubmitBrowser(w http.ResponseWriter, r *http.Request) {
	a.submit(w, r, ingest.ProfileIngest, clientIP(r), models.EventSourceBrowser)
}

func (a *EventsAPI) handleSubmitImport(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-API-Key")
	if id == "" {
		id = clientIP(r)
	}
	a.submit(w, r, ingest.ProfileAPI, id, models.EventSourceServer)
}

func (a *EventsAPI) handleSubmitWebhook(w http.ResponseWriter, r *http.Request) {
	var p eventPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id := p.MerchantID
	if id == "" {
		id = clientIP(r)
	}
	a.submitPayload(w, r, p, ingest.ProfileWebhook, id, models.EventSourceWebhook)
}

func (a *EventsAPI) submit(w http.ResponseWriter, r *http.Request, profile ingest.Profile, identifier, defaultSource string) {
	var p eventPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	a.submitPayload(w, r, p, profile, identifier, defaultSource)
}

func (a *EventsAPI) submitPayload(w http.ResponseWriter, r *http.Request, p eventPayload, profile ingest.Profile, identifier, defaultSource string) {
	res, err := a.ingest.Submit(r.Context(), p.toInput(defaultSource), profile, identifier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch res.Status {
	case ingest.StatusRateLimited:
		retryAfter := time.Until(time.UnixMilli(res.ResetAtMs))
		if retryAfter < 0 {
			retryAfter = 0
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)+1))
		writeJSON(w, http.StatusTooManyRequests, submitResponse{
			Status:    "rate_limited",
			ResetAtMs: res.ResetAtMs,
		})
	case ingest.StatusDuplicate:
		// Дубль — идемпотентный успех, а не ошибка: клиентские
		// интеграции не должны различать эти два исхода. Если победитель
		// окна успел записать id, отдаём его.
		writeJSON(w, http.StatusAccepted, submitResponse{
			Status:    "accepted",
			EventID:   res.DuplicateOf,
			Duplicate: true,
			Remaining: res.Remaining,
		})
	default:
		writeJSON(w, http.StatusAccepted, submitResponse{
			Status:    "accepted",
			EventID:   res.Event.ID,
			Remaining: res.Remaining,
			ResetAtMs: res.ResetAtMs,
		})
	}
}

type eventView struct {
	ID         string         `json:"id"`
	MerchantID string         `json:"merchantId"`
	DedupKey   string         `json:"dedupKey"`
	Kind       string         `json:"kind"`
	Source     string         `json:"source"`
	Status     string         `json:"status"`
	RetryCount int32          `json:"retryCount"`
	QueuedAt   *time.Time     `json:"queuedAt,omitempty"`
	ProcessedAt *time.Time    `json:"processedAt,omitempty"`
	Platforms  []platformView `json:"platforms"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type platformView struct {
	Platform  string     `json:"platform"`
	AccountID string     `json:"accountId"`
	Status    string     `json:"status"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	LastError *string    `json:"lastError,omitempty"`
}

func toEventView(e *models.Event) eventView {
	v := eventView{
		ID:          e.ID,
		MerchantID:  e.MerchantID,
		DedupKey:    e.DedupKey,
		Kind:        e.Kind,
		Source:      e.Source,
		Status:      e.Status,
		RetryCount:  e.RetryCount,
		QueuedAt:    e.QueuedAt,
		ProcessedAt: e.ProcessedAt,
		Platforms:   []platformView{},
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	for _, ps := range e.Platforms {
		v.Platforms = append(v.Platforms, platformView{
			Platform:  string(ps.Platform),
			AccountID: ps.AccountID,
			Status:    ps.Status,
			SentAt:    ps.SentAt,
			LastError: ps.LastError,
		})
	}
	return v
}

func (a *EventsAPI) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := a.events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, toEventView(ev))
}

type logView struct {
	ID           uint64    `json:"id"`
	Platform     string    `json:"platform"`
	AccountID    string    `json:"accountId"`
	Level        string    `json:"level"`
	RequestJSON  *string   `json:"request,omitempty"`
	ResponseJSON *string   `json:"response,omitempty"`
	Error        *string   `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (a *EventsAPI) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	logs, err := a.events.ListDeliveryLogs(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := make([]logView, 0, len(logs))
	for _, l := range logs {
		out = append(out, logView{
			ID:           l.ID,
			Platform:     string(l.Platform),
			AccountID:    l.AccountID,
			Level:        l.Level,
			RequestJSON:  l.RequestJSON,
			ResponseJSON: l.ResponseJSON,
			Error:        l.Error,
			CreatedAt:    l.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

func (a *EventsAPI) handleRetry(w http.ResponseWriter, r *http.Request) {
	ev, err := a.events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err := a.ingest.Requeue(r.Context(), ev); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "requeued", "eventId": ev.ID})
}

// clientIP — первый адрес из X-Forwarded-For, иначе RemoteAddr без порта.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
