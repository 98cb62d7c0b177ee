// Package protocol translates between the browser-facing message protocol
// and the provider wire formats.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client message types recognized by the proxy. Anything else is forwarded
// upstream unmodified.
const (
	TypeVoiceConfig = "voice_config"
	TypeText        = "text"
	TypeSpeak       = "speak"
	TypePing        = "ping"
)

// ClientMessage is a parsed JSON object frame from the browser.
type ClientMessage struct {
	Type   string
	Fields map[string]any
	// Raw holds the frame exactly as received.
	Raw []byte
}

// ParseClientMessage decodes a client text frame. It reports false when the
// frame is not a JSON object; such frames are forwarded as opaque bytes.
func ParseClientMessage(raw []byte) (ClientMessage, bool) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return ClientMessage{}, false
	}
	typ, _ := fields["type"].(string)
	return ClientMessage{Type: typ, Fields: fields, Raw: raw}, true
}

// IsSpeech reports whether the message asks for synthesis.
func (m ClientMessage) IsSpeech() bool {
	return m.Type == TypeText || m.Type == TypeSpeak
}

// SpeakText returns the trimmed text of a text/speak message, preferring
// "input" over "text". It reports false when nothing is left after trimming.
func (m ClientMessage) SpeakText() (string, bool) {
	for _, key := range []string{"input", "text"} {
		v, ok := m.Fields[key]
		if !ok || v == nil {
			continue
		}
		text := strings.TrimSpace(stringify(v))
		return text, text != ""
	}
	return "", false
}

// VoiceConfigFields returns the nested voice_config object, if any.
func (m ClientMessage) VoiceConfigFields() map[string]any {
	cfg, _ := m.Fields["voice_config"].(map[string]any)
	return cfg
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64, bool:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
