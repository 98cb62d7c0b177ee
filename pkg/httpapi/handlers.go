package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/redact"
	"github.com/harunnryd/voxrelay/pkg/voices"
)

const (
	dubText   = "Hello! This is a quick dub of your clip."
	dubFormat = "mp3"
)

func (rt *Router) handleTokenDebug(w http.ResponseWriter, req *http.Request) {
	if rt.deps.Tokens == nil {
		writeError(w, http.StatusInternalServerError, "token source not configured", nil)
		return
	}
	token, err := rt.deps.Tokens.Token(req.Context())
	if err != nil {
		rt.log.Warn("token_debug_failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", redact.Text(err.Error())))
		writeError(w, http.StatusInternalServerError, redact.Text(err.Error()), nil)
		return
	}
	out := map[string]string{"tokenPreview": redact.Preview(token, 12)}
	if cred, ok := rt.deps.Tokens.Cached(); ok && !cred.Expiry.IsZero() {
		out["expiresAt"] = cred.Expiry.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *Router) handleVoices(w http.ResponseWriter, req *http.Request) {
	if rt.deps.Catalog == nil {
		writeError(w, http.StatusInternalServerError, "voice catalog not configured", nil)
		return
	}
	status, body, err := rt.deps.Catalog.Voices(req.Context())
	if err != nil {
		rt.log.Warn("voices_fetch_failed", slog.String("error", redact.Text(err.Error())))
		writeError(w, http.StatusInternalServerError, "voices fetch failed", redact.Text(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (rt *Router) handlePresets(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, voices.ByLanguage(req.URL.Query().Get("language")))
}

func (rt *Router) handleDubInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "route": "/api/dub", "method": "GET"})
}

type dubResponse struct {
	OK          bool           `json:"ok"`
	AudioURL    *string        `json:"audioUrl"`
	AudioBase64 *string        `json:"audioBase64"`
	Meta        map[string]any `json:"meta"`
}

// handleDub accepts a media upload and answers with a fixed one-shot
// synthesis in the requested language's default voice. The upload itself is
// only validated and logged.
func (rt *Router) handleDub(w http.ResponseWriter, req *http.Request) {
	limit := int64(rt.cfg.MaxUploadMB) << 20
	req.Body = http.MaxBytesReader(w, req.Body, limit)
	if err := req.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large.", nil)
			return
		}
	}

	file, header, err := req.FormFile("media")
	if err != nil {
		writeError(w, http.StatusBadRequest, `No file uploaded. Field name must be "media".`, nil)
		return
	}
	_ = file.Close()

	language := strings.TrimSpace(req.FormValue("language"))
	if language == "" {
		language = voices.DefaultLanguage
	}
	rt.log.Info("dub_received_file",
		slog.String("name", header.Filename),
		slog.Int64("size", header.Size),
		slog.String("mimetype", header.Header.Get("Content-Type")),
		slog.String("language", language))

	if rt.deps.Synth == nil {
		writeError(w, http.StatusBadGateway, "Dub failed", "synthesizer not configured")
		return
	}
	res, err := rt.deps.Synth.Synthesize(req.Context(), tts.SynthesisRequest{
		Text:     dubText,
		VoiceID:  voices.DefaultFor(language),
		Format:   dubFormat,
		Language: language,
	})
	if err != nil {
		rt.log.Error("dub_failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", redact.Text(err.Error())))
		if errorsx.ClassOfErr(err) != errorsx.ClassRequest {
			captureError(req, err, "dub synthesis failed")
		}
		writeError(w, http.StatusBadGateway, "Dub failed", redact.Text(err.Error()))
		return
	}
	if !res.HasAudio() {
		writeError(w, http.StatusBadGateway, "Murf did not return audioUrl or audioBase64", res.Raw)
		return
	}

	out := dubResponse{OK: true, Meta: res.Raw}
	if res.AudioURL != "" {
		out.AudioURL = &res.AudioURL
	}
	if res.AudioBase64 != "" {
		out.AudioBase64 = &res.AudioBase64
	}
	writeJSON(w, http.StatusOK, out)
}
