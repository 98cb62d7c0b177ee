package tts

import "context"

// StreamHandler receives events from a streaming synthesis connection.
// Callbacks run on the connection's read goroutine and should return promptly.
type StreamHandler interface {
	// OnAudio delivers a binary audio frame.
	OnAudio(chunk []byte)
	// OnText delivers a text frame exactly as received.
	OnText(raw []byte)
	// OnClose reports a close frame from the vendor.
	OnClose(code int, reason string)
	// OnError reports a transport failure after the connection opened.
	OnError(err error)
}

// Stream is an open streaming synthesis connection.
type Stream interface {
	// Send writes one text frame.
	Send(payload []byte) error
	// SendBinary writes one binary frame.
	SendBinary(payload []byte) error
	// Close sends a close frame with the given code and releases the connection.
	Close(code int, reason string) error
}

// StreamDialer opens streaming synthesis connections.
type StreamDialer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Dial opens a connection; h receives its events until it closes.
	Dial(ctx context.Context, h StreamHandler) (Stream, error)
}

// SynthesisRequest is a one-shot synthesis request.
type SynthesisRequest struct {
	Text     string
	VoiceID  string
	Format   string
	Language string
}

// SynthesisResult carries either inline base64 audio or a URL to fetch it from.
type SynthesisResult struct {
	AudioBase64 string
	AudioURL    string
	// Raw is the decoded vendor response, kept for diagnostics.
	Raw map[string]any
}

// HasAudio reports whether the result carries inline audio or a link to it.
func (r SynthesisResult) HasAudio() bool {
	return r.AudioBase64 != "" || r.AudioURL != ""
}

// Synthesizer performs one-shot synthesis over a request/response API.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error)
	// Download fetches audio referenced by a SynthesisResult URL.
	Download(ctx context.Context, url string) ([]byte, error)
}
