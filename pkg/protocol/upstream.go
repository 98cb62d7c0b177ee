package protocol

import (
	"bytes"
	"encoding/json"
)

// UpstreamKind classifies a text frame received from the provider.
type UpstreamKind int

const (
	// UpstreamInvalid frames are not JSON and are dropped.
	UpstreamInvalid UpstreamKind = iota
	// UpstreamPassThrough frames are valid JSON without audio, forwarded as-is.
	UpstreamPassThrough
	// UpstreamAudio frames carry inline base64 audio.
	UpstreamAudio
)

// UpstreamFrame is a classified provider text frame.
type UpstreamFrame struct {
	Kind  UpstreamKind
	Audio string
	Final bool
	Raw   []byte
}

var inlineAudioKeys = []string{"audio", "audio_base64", "audio_base_64", "encodedAudio"}

// ClassifyUpstreamText decides how a provider text frame reaches the client.
func ClassifyUpstreamText(raw []byte) UpstreamFrame {
	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) {
		return UpstreamFrame{Kind: UpstreamInvalid, Raw: raw}
	}
	frame := UpstreamFrame{Kind: UpstreamPassThrough, Raw: raw}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return frame
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return frame
	}
	if t, _ := obj["type"].(string); t != "" && t != EventAudio {
		return frame
	}
	for _, key := range inlineAudioKeys {
		if s, ok := obj[key].(string); ok && s != "" {
			frame.Kind = UpstreamAudio
			frame.Audio = s
			frame.Final, _ = obj["final"].(bool)
			return frame
		}
	}
	return frame
}
