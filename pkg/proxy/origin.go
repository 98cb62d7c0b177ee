package proxy

import (
	"net/http"
	"strings"
)

// OriginPolicy decides which browser origins may open sessions. Requests
// without an Origin header (server-to-server, curl) are always allowed.
type OriginPolicy struct {
	AllowAny bool
	Allowed  []string
}

// NewOriginPolicy allows any origin when the list is empty or contains "*".
func NewOriginPolicy(allowed []string) OriginPolicy {
	p := OriginPolicy{}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			p.AllowAny = true
			continue
		}
		p.Allowed = append(p.Allowed, strings.TrimRight(a, "/"))
	}
	if len(p.Allowed) == 0 {
		p.AllowAny = true
	}
	return p
}

// Allow reports whether origin may connect. Entries with a scheme must match
// exactly; bare host entries match either scheme.
func (p OriginPolicy) Allow(origin string) bool {
	if p.AllowAny {
		return true
	}
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if origin == "" {
		return true
	}
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, a := range p.Allowed {
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

// CheckRequest adapts the policy to websocket.Upgrader.CheckOrigin.
func (p OriginPolicy) CheckRequest(r *http.Request) bool {
	return p.Allow(r.Header.Get("Origin"))
}
