package delivery

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"live-ingest/internal/ingest"
)

const (
	sdpContentType = "application/sdp"
	maxOfferBytes  = 64 << 10
)

// WHEP handles POST /{app}/{token}/whep by forwarding the SDP offer to the
// WebRTC origin that receives the relay output.
func (h *Handler) WHEP(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	token := chi.URLParam(r, "token")
	h.proxyWHEP(w, r, app, token)
}

// CurrentWHEP handles POST /api/live/whep for the stream under the current
// key.
func (h *Handler) CurrentWHEP(w http.ResponseWriter, r *http.Request) {
	key, ok := h.deps.Keys.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no stream key")
		return
	}
	h.proxyWHEP(w, r, h.cfg.App, key.Token)
}

func (h *Handler) proxyWHEP(w http.ResponseWriter, r *http.Request, app, token string) {
	if h.cfg.WHEPUpstream == "" {
		writeError(w, http.StatusServiceUnavailable, "webrtc relay disabled")
		return
	}
	path := ingest.StreamPath(app, token)
	if sess, ok := h.deps.Sessions.Active(token); !ok || sess.Path != path {
		writeError(w, http.StatusNotFound, "stream not live")
		return
	}

	offer, err := io.ReadAll(io.LimitReader(r.Body, maxOfferBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read offer")
		return
	}
	if len(offer) == 0 || len(offer) > maxOfferBytes {
		writeError(w, http.StatusBadRequest, "invalid offer")
		return
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" {
		ct = sdpContentType
	}
	upstream := strings.TrimRight(h.cfg.WHEPUpstream, "/") + "/" + path + "/whep"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, upstream, bytes.NewReader(offer))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "build upstream request")
		return
	}
	req.Header.Set("Content-Type", ct)

	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Warn("whep upstream unreachable",
			slog.String("path", path),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "webrtc origin unreachable")
		return
	}
	defer resp.Body.Close()

	for _, name := range []string{"Content-Type", "Location", "ETag", "Link"} {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)

	h.log.Debug("whep proxied",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode))
}
