package protocol

import "encoding/json"

// Server event types. These are the only shapes the proxy itself emits.
const (
	EventStatus = "status"
	EventError  = "error"
	EventClose  = "close"
	EventAudio  = "audio"
)

// Stable event messages.
const (
	MsgConnected          = "murf:connected"
	MsgPong               = "pong"
	MsgUpstreamNotOpen    = "upstream-not-open"
	MsgEmptyText          = "empty-text"
	MsgProxyInitFailed    = "proxy-init-failed"
	MsgUpstreamError      = "upstream-error"
	MsgInvalidVoiceConfig = "invalid-voice-config"
)

// ServerEvent is the tagged union sent to the browser.
type ServerEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Code    int    `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Audio   string `json:"audio,omitempty"`
	Final   bool   `json:"final,omitempty"`
}

func Status(message string) ServerEvent {
	return ServerEvent{Type: EventStatus, Message: message}
}

func Error(message, detail string) ServerEvent {
	return ServerEvent{Type: EventError, Message: message, Detail: detail}
}

func Close(code int, reason string) ServerEvent {
	return ServerEvent{Type: EventClose, Code: code, Reason: reason}
}

func Audio(b64 string) ServerEvent {
	return ServerEvent{Type: EventAudio, Audio: b64}
}

func (e ServerEvent) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
