package messages

import "time"

// EventAccepted публикуется ingestion-сервисом после постановки джоба в
// очередь. Для воркера это только "пинок" — источником истины остаётся
// таблица delivery_jobs.
type EventAccepted struct {
	EventID    string    `json:"event_id"`
	MerchantID string    `json:"merchant_id"`
	Retry      bool      `json:"retry,omitempty"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// DeliveryResult публикуется воркером после каждой попытки доставки.
// relay-api по нему обновляет кэш текущего статуса события.
type DeliveryResult struct {
	EventID     string    `json:"event_id"`
	MerchantID  string    `json:"merchant_id"`
	Status      string    `json:"status"`
	Attempt     int32     `json:"attempt"`
	ProcessedAt time.Time `json:"processed_at"`

	Platforms []PlatformOutcome `json:"platforms,omitempty"`
}

type PlatformOutcome struct {
	Platform  string  `json:"platform"`
	AccountID string  `json:"account_id"`
	Status    string  `json:"status"`
	Error     *string `json:"error,omitempty"`
}
