// Package push turns push messages into displayed notifications and routes
// notification clicks to windows.
package push

import (
	"encoding/json"
	"strings"

	"github.com/l0p7/campusworker/internal/runtime/network"
)

// Decode outcomes, also used as metric labels.
const (
	OutcomeJSON     = "json"
	OutcomeFallback = "fallback"
)

// Payload is the decoded push message. It lives only for one push event.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// DecodePayload parses raw as a JSON payload. Anything that is not a JSON
// object becomes a fallback payload whose body is the raw text.
func DecodePayload(raw []byte) (Payload, string) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{Body: string(raw)}, OutcomeFallback
	}
	return payload, OutcomeJSON
}

// ResolveLink turns a payload link into the URL stored with the notification.
// Same-origin links are kept origin-relative. Links that leave the origin, or
// use any scheme other than http(s), collapse to "/" unless allowExternal is set
// and the link is absolute http(s).
func ResolveLink(origin *network.Origin, raw string, allowExternal bool) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || origin == nil {
		return "/"
	}
	u, err := origin.Resolve(raw)
	if err != nil {
		return "/"
	}
	if origin.Contains(u) {
		link := u.RequestURI()
		if u.Fragment != "" {
			link += "#" + u.EscapedFragment()
		}
		return link
	}
	if allowExternal && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return u.String()
	}
	return "/"
}
