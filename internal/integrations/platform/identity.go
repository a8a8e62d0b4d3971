package platform

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashEmail normalizes (trim, lowercase) and hashes an email the way the
// destination platforms expect hashed identity signals. Raw PII never goes
// over the wire.
func HashEmail(email string) string {
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(e))
	return hex.EncodeToString(sum[:])
}

// HashPhone выкидывает всё, кроме цифр, перед хешированием: "+1 (555) 01-02"
// и "15550102" должны давать одинаковый хеш.
func HashPhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
