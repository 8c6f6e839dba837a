package subscription

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeApplicationServerKey converts the URL-safe base64 VAPID public key
// into raw bytes: padding is restored, the URL-safe alphabet is mapped back to
// the standard one, and the result is decoded.
func DecodeApplicationServerKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("subscription: application server key is empty")
	}
	padded := key + strings.Repeat("=", (4-len(key)%4)%4)
	standard := strings.NewReplacer("-", "+", "_", "/").Replace(padded)
	raw, err := base64.StdEncoding.DecodeString(standard)
	if err != nil {
		return nil, fmt.Errorf("subscription: decode application server key: %w", err)
	}
	return raw, nil
}
