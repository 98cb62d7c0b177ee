package murf

import (
	"encoding/json"
	"strings"

	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
)

var (
	base64Keys = [][]string{
		{"audio"},
		{"audioBase64"},
		{"encodedAudio"},
		{"audio_base64"},
		{"data", "audioBase64"},
		{"data", "encodedAudio"},
	}
	urlKeys = [][]string{
		{"audioUrl"},
		{"audioURL"},
		{"audioFile"},
		{"audio_file"},
		{"url"},
		{"data", "url"},
		{"data", "audioUrl"},
		{"data", "audioFile"},
	}
)

// ParseSynthesisResponse normalizes the response shapes the REST API is
// known to return into inline base64 audio or an audio URL.
func ParseSynthesisResponse(body []byte) (tts.SynthesisResult, error) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return tts.SynthesisResult{}, errorsx.Wrap(err, errorsx.ReasonRESTShape)
	}

	switch v := decoded.(type) {
	case string:
		if isHTTPURL(v) {
			return tts.SynthesisResult{AudioURL: v}, nil
		}
	case map[string]any:
		res := tts.SynthesisResult{Raw: v}
		for _, path := range base64Keys {
			if s := lookupString(v, path...); s != "" && !isHTTPURL(s) {
				res.AudioBase64 = s
				break
			}
		}
		for _, path := range urlKeys {
			if s := lookupString(v, path...); isHTTPURL(s) {
				res.AudioURL = s
				break
			}
		}
		// Some responses put the link under "audio".
		if res.AudioURL == "" {
			if s := lookupString(v, "audio"); isHTTPURL(s) {
				res.AudioURL = s
			}
		}
		if res.HasAudio() {
			return res, nil
		}
	}
	return tts.SynthesisResult{}, errorsx.New(errorsx.ReasonRESTShape, "unrecognized synthesis response: "+truncate(string(body), 200))
}

func lookupString(m map[string]any, path ...string) string {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = obj[key]
	}
	s, _ := cur.(string)
	return strings.TrimSpace(s)
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
