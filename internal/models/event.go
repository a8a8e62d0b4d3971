package models

import "time"

// Нормализованные виды событий. Неизвестные виды проходят как есть
// (passthrough), маппинг на словарь площадки делает каждый sender сам.
const (
	EventKindPageView             = "PageView"
	EventKindViewContent          = "ViewContent"
	EventKindAddToCart            = "AddToCart"
	EventKindInitiateCheckout     = "InitiateCheckout"
	EventKindPurchase             = "Purchase"
	EventKindSubscribe            = "Subscribe"
	EventKindStartTrial           = "StartTrial"
	EventKindCompleteRegistration = "CompleteRegistration"
	EventKindLead                 = "Lead"
	EventKindSearch               = "Search"
)

const (
	EventSourceBrowser = "browser"
	EventSourceServer  = "server"
	EventSourceWebhook = "webhook"
)

// Overall event delivery status.
const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusCompleted  = "completed"
	EventStatusFailed     = "failed"
)

// Per-platform delivery status. "skipped" covers configs with the
// conversion API switched off.
const (
	PlatformStatusPending = "pending"
	PlatformStatusSuccess = "success"
	PlatformStatusFailed  = "failed"
	PlatformStatusSkipped = "skipped"
)

type PlatformKind string

const (
	PlatformFacebook PlatformKind = "facebook"
	PlatformTikTok   PlatformKind = "tiktok"
	PlatformGA4      PlatformKind = "ga4"
)

type Event struct {
	ID         string
	MerchantID string
	DedupKey   string

	Kind   string
	Source string

	SubjectID *string
	Email     *string
	Phone     *string

	Value           *float64
	Currency        *string
	OrderID         *string
	ContentIDs      []string
	ContentName     *string
	ContentCategory *string
	Quantity        *int32

	Custom map[string]any

	Status      string
	RetryCount  int32
	QueuedAt    *time.Time
	ProcessedAt *time.Time

	Platforms []*PlatformStatusRecord

	CreatedAt time.Time
	UpdatedAt time.Time
}

type PlatformStatusRecord struct {
	EventID   string
	Platform  PlatformKind
	AccountID string
	Status    string
	SentAt    *time.Time
	LastError *string
	UpdatedAt time.Time
}

type PlatformConfig struct {
	ID         uint64
	MerchantID string
	Platform   PlatformKind
	AccountID  string
	Credential string

	ConversionAPIEnabled bool
	TestMode             bool
	Active               bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

type DeliveryJob struct {
	ID         uint64
	EventID    string
	MerchantID string
	Retry      bool
	Attempts   int32

	NextAttemptAt time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type DeliveryLog struct {
	ID         uint64
	MerchantID string
	EventID    string
	Platform   PlatformKind
	AccountID  string
	Level      string // "info" | "error"

	RequestJSON  *string
	ResponseJSON *string
	Error        *string

	CreatedAt time.Time
}

type EventCreateInput struct {
	MerchantID string
	DedupKey   string

	Kind   string
	Source string

	SubjectID *string
	Email     *string
	Phone     *string

	Value           *float64
	Currency        *string
	OrderID         *string
	ContentIDs      []string
	ContentName     *string
	ContentCategory *string
	Quantity        *int32

	Custom map[string]any
}
