package redact

import (
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

var (
	apiKeyParamRe = regexp.MustCompile(`(?i)(api[_-]?key=)[^&\s"]+`)
	apiKeyJSONRe  = regexp.MustCompile(`(?i)("api[_-]?key"\s*:\s*")[^"]*(")`)
	bearerRe      = regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9._\-]+`)
)

// SetEnabled toggles secret redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text masks API keys and bearer tokens when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := apiKeyParamRe.ReplaceAllString(in, "${1}[REDACTED]")
	out = apiKeyJSONRe.ReplaceAllString(out, "${1}[REDACTED]${2}")
	out = bearerRe.ReplaceAllString(out, "${1}[REDACTED]")
	return out
}

// URL returns raw with every query value named like an API key masked.
func URL(raw string) string {
	if !enabled.Load() {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Text(raw)
	}
	q := u.Query()
	changed := false
	for key := range q {
		switch strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(key)) {
		case "apikey", "token":
			q.Set(key, "[REDACTED]")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Preview returns the first n characters of a secret followed by an ellipsis.
func Preview(secret string, n int) string {
	if secret == "" {
		return ""
	}
	r := []rune(secret)
	if len(r) <= n {
		return string(r) + "…"
	}
	return string(r[:n]) + "…"
}
