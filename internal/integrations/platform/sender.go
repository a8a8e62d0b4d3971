package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/PixelRelay/internal/models"
)

// Receipt — что реально ушло на площадку и что она ответила.
// Диспетчер кладёт это в append-only журнал доставок.
type Receipt struct {
	RequestJSON  string
	ResponseJSON string
	SentAt       time.Time
}

type Sender interface {
	Kind() models.PlatformKind
	Send(ctx context.Context, ev *models.Event, cfg *models.PlatformConfig) (Receipt, error)
}

type FailureKind string

const (
	// FailureMissingCredential — конфиг неполный. Ретраить бессмысленно,
	// попытку из бюджета не тратим.
	FailureMissingCredential FailureKind = "missing_credential"
	// FailureTransport — сеть/таймаут. Ретраим.
	FailureTransport FailureKind = "transport"
	// FailurePlatformRejected — площадка ответила ошибкой. Тоже ретраим до
	// лимита: троттлинг со стороны sender-а неотличим от жёсткого отказа.
	FailurePlatformRejected FailureKind = "platform_rejected"
)

type DeliveryError struct {
	Kind     FailureKind
	Platform models.PlatformKind
	Message  string
	Receipt  Receipt

	cause error
}

func (e *DeliveryError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Platform, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.cause }

func (e *DeliveryError) Retryable() bool { return e.Kind != FailureMissingCredential }

func MissingCredential(platform models.PlatformKind, msg string) *DeliveryError {
	return &DeliveryError{Kind: FailureMissingCredential, Platform: platform, Message: msg}
}

func TransportError(platform models.PlatformKind, msg string, cause error, rcpt Receipt) *DeliveryError {
	return &DeliveryError{Kind: FailureTransport, Platform: platform, Message: msg, Receipt: rcpt, cause: cause}
}

func PlatformRejected(platform models.PlatformKind, msg string, rcpt Receipt) *DeliveryError {
	return &DeliveryError{Kind: FailurePlatformRejected, Platform: platform, Message: msg, Receipt: rcpt}
}
