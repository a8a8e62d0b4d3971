package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/BearBump/PixelRelay/internal/integrations/platform"
	"github.com/BearBump/PixelRelay/internal/models"
)

// FakeSender — локальная заглушка площадки для демо и dev-окружения.
// Поведение детерминировано по credential: "fail" всегда падает как
// transport, "reject" — как отказ площадки, остальное — успех.
type FakeSender struct {
	kind models.PlatformKind
}

func New(kind models.PlatformKind) *FakeSender { return &FakeSender{kind: kind} }

func (f *FakeSender) Kind() models.PlatformKind { return f.kind }

func (f *FakeSender) Send(ctx context.Context, ev *models.Event, cfg *models.PlatformConfig) (platform.Receipt, error) {
	if cfg.AccountID == "" || cfg.Credential == "" {
		return platform.Receipt{}, platform.MissingCredential(f.kind, "account or credential is not configured")
	}

	reqJSON, _ := json.Marshal(map[string]any{
		"event_name": ev.Kind,
		"event_id":   ev.ID,
		"account_id": cfg.AccountID,
	})
	rcpt := platform.Receipt{RequestJSON: string(reqJSON), SentAt: time.Now().UTC()}

	switch cfg.Credential {
	case "fail":
		return rcpt, platform.TransportError(f.kind, "fake transport failure", nil, rcpt)
	case "reject":
		rcpt.ResponseJSON = `{"error":{"message":"fake rejection"}}`
		return rcpt, platform.PlatformRejected(f.kind, "fake rejection", rcpt)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.ID))
	rcpt.ResponseJSON = fmt.Sprintf(`{"events_received":1,"trace":"%08x"}`, h.Sum32())
	return rcpt, nil
}
