package cache

import (
	"net/http"
	"strings"
)

// Storable reports whether a response carrying header may be written to a
// generation store. Only no-store forbids it; no-cache and private responses
// are still kept because the worker cache is private to one origin.
func Storable(header http.Header) bool {
	for _, value := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			if strings.EqualFold(strings.TrimSpace(name), "no-store") {
				return false
			}
		}
	}
	return true
}
