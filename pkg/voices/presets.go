// Package voices holds the curated voice presets offered to the browser and
// used for one-shot dubbing.
package voices

import "strings"

type Preset struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Language   string `json:"language"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Style      string `json:"style"`
}

const (
	DefaultLanguage = "en-IN"
	defaultVoiceID  = "en-IN-isha"
	hindiVoiceID    = "hi-IN-rahul"
)

func preset(id, name, language, style string) Preset {
	return Preset{ID: id, Name: name, Language: language, Format: "mp3", SampleRate: 24000, Style: style}
}

// Presets lists voice IDs known to exist for the account. Natalie is filed
// under en-IN so the English picker keeps a US fallback.
var Presets = []Preset{
	preset("en-IN-isha", "Isha (F)", "en-IN", "Conversational"),
	preset("en-IN-arohi", "Arohi (F)", "en-IN", "Conversational"),
	preset("en-IN-eashwar", "Eashwar (M)", "en-IN", "Conversational"),
	preset("en-IN-alia", "Alia (F)", "en-IN", "Narration"),
	preset("en-IN-rohan", "Rohan (M)", "en-IN", "Conversational"),
	preset("en-IN-aarav", "Aarav (M)", "en-IN", "Conversational"),
	preset("en-IN-priya", "Priya (F)", "en-IN", "Conversational"),

	preset("hi-IN-rahul", "Rahul (M)", "hi-IN", "Conversational"),
	preset("hi-IN-shweta", "Shweta (F)", "hi-IN", "Conversational"),
	preset("hi-IN-amit", "Amit (M)", "hi-IN", "Conversational"),
	preset("hi-IN-shaan", "Shaan (M)", "hi-IN", "Conversational"),
	preset("hi-IN-kabir", "Kabir (M)", "hi-IN", "Conversational"),
	preset("hi-IN-ayushi", "Ayushi (F)", "hi-IN", "Conversational"),

	preset("en-US-natalie", "Natalie (F, US)", "en-IN", "Conversational"),
}

// ByLanguage returns the presets for lang, or all presets when lang is empty.
func ByLanguage(lang string) []Preset {
	lang = strings.TrimSpace(lang)
	out := make([]Preset, 0, len(Presets))
	for _, p := range Presets {
		if lang == "" || strings.EqualFold(p.Language, lang) {
			out = append(out, p)
		}
	}
	return out
}

// DefaultFor picks the dubbing voice for lang.
func DefaultFor(lang string) string {
	if strings.EqualFold(strings.TrimSpace(lang), "hi-IN") {
		return hindiVoiceID
	}
	return defaultVoiceID
}
