package protocol

import "encoding/json"

// Schema-variant broadcast.
//
// The provider's streaming endpoint accepts different config and speak
// schemas depending on the account, and ignores messages it does not
// recognize. Each logical message is therefore encoded once per known schema
// and every encoding is sent. The lists below are the complete set.

// Variant is one wire encoding of a logical message.
type Variant struct {
	Name    string
	Payload []byte
}

type audioBlock struct {
	Format     AudioFormat `json:"format"`
	SampleRate int         `json:"sampleRate"`
	Channels   int         `json:"channels"`
}

type configCamel struct {
	Type     string     `json:"type"`
	VoiceID  string     `json:"voiceId,omitempty"`
	Language string     `json:"language,omitempty"`
	Audio    audioBlock `json:"audio"`
	Style    string     `json:"style,omitempty"`
}

type configSnake struct {
	Type        string      `json:"type"`
	VoiceID     string      `json:"voice_id,omitempty"`
	Language    string      `json:"language,omitempty"`
	AudioFormat AudioFormat `json:"audio_format"`
	SampleRate  int         `json:"sample_rate"`
	Channels    int         `json:"channels"`
	Style       string      `json:"style,omitempty"`
}

type configMinimal struct {
	Type    string `json:"type"`
	VoiceID string `json:"voiceId,omitempty"`
}

type speakTyped struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type speakInput struct {
	Input string `json:"input"`
}

type speakTypedInput struct {
	Type  string `json:"type"`
	Input string `json:"input"`
}

// ConfigVariants encodes cfg, after defaults, as the three config schemas.
func ConfigVariants(cfg VoiceConfig) []Variant {
	cfg = cfg.WithDefaults()
	return []Variant{
		mustVariant("config/camel", configCamel{
			Type:     "config",
			VoiceID:  cfg.VoiceID,
			Language: cfg.Language,
			Audio:    audioBlock{Format: cfg.Format, SampleRate: cfg.SampleRate, Channels: cfg.Channels},
			Style:    cfg.Style,
		}),
		mustVariant("config/snake", configSnake{
			Type:        "config",
			VoiceID:     cfg.VoiceID,
			Language:    cfg.Language,
			AudioFormat: cfg.Format,
			SampleRate:  cfg.SampleRate,
			Channels:    cfg.Channels,
			Style:       cfg.Style,
		}),
		mustVariant("config/minimal", configMinimal{Type: "config", VoiceID: cfg.VoiceID}),
	}
}

// SpeakVariants encodes text as the four speak schemas.
func SpeakVariants(text string) []Variant {
	return []Variant{
		mustVariant("speak/type-speak-text", speakTyped{Type: "speak", Text: text}),
		mustVariant("speak/type-text-text", speakTyped{Type: "text", Text: text}),
		mustVariant("speak/input", speakInput{Input: text}),
		mustVariant("speak/type-speak-input", speakTypedInput{Type: "speak", Input: text}),
	}
}

// mustVariant panics only if a fixed struct of strings and ints fails to encode.
func mustVariant(name string, v any) Variant {
	b, err := json.Marshal(v)
	if err != nil {
		panic("protocol: encode " + name + ": " + err.Error())
	}
	return Variant{Name: name, Payload: b}
}
