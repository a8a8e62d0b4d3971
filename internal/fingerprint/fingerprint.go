package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// BucketMillis — окно округления таймстемпа. Повторная отправка того же
// события в пределах 5 секунд (перестрелявший пиксель, двойной сабмит формы)
// схлопывается в один отпечаток.
const BucketMillis = 5_000

// Compute derives the deterministic dedup key for an event. Same semantic
// content inside one time bucket yields the same key on every node.
func Compute(merchantID, eventKind, subjectID, orderID string, timestampMs int64, value float64, contentIDs []string) string {
	bucket := timestampMs - timestampMs%BucketMillis

	ids := make([]string, len(contentIDs))
	copy(ids, contentIDs)
	sort.Strings(ids)

	parts := []string{
		merchantID,
		eventKind,
		subjectID,
		orderID,
		strconv.FormatInt(bucket, 10),
		strconv.FormatFloat(value, 'f', -1, 64),
		strings.Join(ids, ","),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
