package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/voxrelay/pkg/configutil"
)

// AudioFormat is an output encoding accepted by the provider.
type AudioFormat string

const (
	FormatMP3   AudioFormat = "mp3"
	FormatWAV   AudioFormat = "wav"
	FormatPCM16 AudioFormat = "pcm16"
)

// Known reports whether the provider documents the format.
func (f AudioFormat) Known() bool {
	switch f {
	case FormatMP3, FormatWAV, FormatPCM16:
		return true
	}
	return false
}

const (
	DefaultSampleRate = 24000
	DefaultFormat     = FormatMP3
	DefaultChannels   = 1
)

// VoiceConfig is the voice and output settings a client selected.
type VoiceConfig struct {
	Language   string      `mapstructure:"language"`
	VoiceID    string      `mapstructure:"voice_id"`
	Format     AudioFormat `mapstructure:"format"`
	SampleRate int         `mapstructure:"sample_rate"`
	Style      string      `mapstructure:"style"`
	Channels   int         `mapstructure:"channels"`
}

var voiceSchema = configutil.Schema{
	Optional: []string{"language", "voice_id", "format", "sample_rate", "style", "channels"},
}

// voiceAliases lists accepted spellings per field, camelCase first so it
// wins when a client sends both.
var voiceAliases = map[string][]string{
	"voice_id":    {"voiceId", "voice_id"},
	"sample_rate": {"sampleRate", "sample_rate"},
}

// DecodeVoiceConfig decodes a client voice_config object. Both camelCase and
// snake_case keys are accepted and values are weakly typed, so "24000"
// decodes as a sample rate.
func DecodeVoiceConfig(fields map[string]any) (VoiceConfig, error) {
	var cfg VoiceConfig
	if len(fields) == 0 {
		return cfg, nil
	}
	canonical := make(map[string]any, len(fields))
	for k, v := range fields {
		canonical[k] = v
	}
	for field, aliases := range voiceAliases {
		for _, alias := range aliases {
			delete(canonical, alias)
		}
		for _, alias := range aliases {
			if v, ok := fields[alias]; ok && v != nil {
				canonical[field] = v
				break
			}
		}
	}
	if err := configutil.DecodeSettings(canonical, &cfg); err != nil {
		return VoiceConfig{}, fmt.Errorf("voice_config: %w", err)
	}
	cfg.Format = AudioFormat(strings.ToLower(string(cfg.Format)))
	return cfg, nil
}

// UnknownVoiceKeys lists keys of a voice_config object the proxy does not
// interpret. They are still accepted.
func UnknownVoiceKeys(fields map[string]any) []string {
	var se *configutil.SettingsError
	if err := configutil.ValidateSettings(fields, voiceSchema); errors.As(err, &se) {
		return se.Unknown
	}
	return nil
}

// WithDefaults fills the output settings a client omitted.
func (c VoiceConfig) WithDefaults() VoiceConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if c.Channels <= 0 {
		c.Channels = DefaultChannels
	}
	return c
}

// VoiceOr returns the configured voice or fallback when none is set.
func (c VoiceConfig) VoiceOr(fallback string) string {
	if strings.TrimSpace(c.VoiceID) == "" {
		return fallback
	}
	return c.VoiceID
}
