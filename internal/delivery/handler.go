// Package delivery exposes the HTTP side of the server: the operator API
// (status, stream keys, events, jobs) and the media routes that serve live
// streams as HTTP-FLV, WebSocket-FLV, HLS/DASH files and a WHEP proxy.
package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"live-ingest/internal/events"
	"live-ingest/internal/fanout"
	"live-ingest/internal/ingest"
	"live-ingest/internal/live"
	"live-ingest/internal/platform/metrics"
	"live-ingest/internal/streamkey"
)

// Sessions is the read side of the ingest session table.
type Sessions interface {
	Active(token string) (ingest.PublishSession, bool)
	Sessions() []ingest.PublishSession
}

// Listener reports whether the RTMP listener is up.
type Listener interface {
	Running() bool
}

// Jobs lists fan-out jobs.
type Jobs interface {
	Jobs() []fanout.Job
}

// Origin reports whether the WebRTC origin can serve a path.
type Origin interface {
	PathReady(ctx context.Context, path string) (bool, error)
}

// Config holds what the handlers need to build public URLs and reach the
// WebRTC origin.
type Config struct {
	PublicHost string
	HTTPPort   int
	RTMPPort   int
	App        string
	MediaRoot  string
	Targets    []fanout.Target
	// WHEPUpstream is the WebRTC origin base URL, e.g. http://127.0.0.1:8889.
	// Empty disables WHEP.
	WHEPUpstream string
	WHEPTimeout  time.Duration
}

// Deps are the components the handlers read from.
type Deps struct {
	Keys     *streamkey.Registry
	Sessions Sessions
	Hub      *live.Hub
	Jobs     Jobs
	Listener Listener
	Recorder *events.Recorder
	Events   events.Sink
	// Origin is optional. Without it the WebRTC stream counts as live as
	// soon as the publish session is.
	Origin Origin
}

// Handler serves the HTTP API using go-chi.
type Handler struct {
	deps     Deps
	cfg      Config
	client   *http.Client
	upgrader websocket.Upgrader
	log      *slog.Logger
	metrics  *metrics.Metrics
}

const defaultWHEPTimeout = 5 * time.Second

// NewHandler returns a Handler. Metrics may be nil.
func NewHandler(deps Deps, cfg Config, log *slog.Logger, m *metrics.Metrics) *Handler {
	if cfg.App == "" {
		cfg.App = "live"
	}
	if cfg.WHEPTimeout <= 0 {
		cfg.WHEPTimeout = defaultWHEPTimeout
	}
	return &Handler{
		deps:   deps,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.WHEPTimeout},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     log,
		metrics: m,
	}
}

// Mount registers every route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/stream-key", h.GetStreamKey)
		r.Post("/stream-key", h.IssueStreamKey)
		r.Delete("/stream-key", h.RevokeStreamKey)
		r.Get("/events", h.Events)
		r.Get("/jobs", h.Jobs)
		r.Get("/live/status", h.LiveStatus)
		r.With(allowAnyOrigin).Post("/live/whep", h.CurrentWHEP)
	})

	r.Group(func(r chi.Router) {
		r.Use(allowAnyOrigin)
		r.Get("/ws/{app}/{token}.flv", h.ServeWSFLV)
		r.Get("/{app}/{token}.flv", h.ServeFLV)
		r.Post("/{app}/{token}/whep", h.WHEP)
		r.Get("/{app}/{token}/{file}", h.ServeFile)
	})
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Expose-Headers", "Location, Content-Type")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status     string `json:"status"`
	Active     bool   `json:"active"`
	RTMPPort   int    `json:"rtmpPort"`
	HTTPPort   int    `json:"httpPort"`
	StreamPath string `json:"streamPath,omitempty"`
	FLVURL     string `json:"flvUrl,omitempty"`
	HLSURL     string `json:"hlsUrl,omitempty"`
	DASHURL    string `json:"dashUrl,omitempty"`
	WHEPURL    string `json:"whepUrl,omitempty"`
}

// Status handles GET /api/status. It reports the session under the current
// key, or with permissive keys the oldest active session.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:   "stopped",
		RTMPPort: h.cfg.RTMPPort,
		HTTPPort: h.cfg.HTTPPort,
	}
	if h.deps.Listener != nil && h.deps.Listener.Running() {
		resp.Status = "running"
	}

	if sess, ok := h.liveSession(); ok {
		resp.Active = true
		resp.StreamPath = sess.Path
		base := h.baseURL() + "/" + sess.Path
		resp.FLVURL = base + ".flv"
		for _, t := range h.cfg.Targets {
			switch t {
			case fanout.TargetHLS:
				resp.HLSURL = base + "/" + fanout.HLSPlaylist
			case fanout.TargetDASH:
				resp.DASHURL = base + "/" + fanout.DASHManifest
			}
		}
		if h.cfg.WHEPUpstream != "" {
			resp.WHEPURL = base + "/whep"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) liveSession() (ingest.PublishSession, bool) {
	if key, ok := h.deps.Keys.Current(); ok {
		if sess, ok := h.deps.Sessions.Active(key.Token); ok {
			return sess, true
		}
	}
	if h.deps.Keys.Permissive() {
		if all := h.deps.Sessions.Sessions(); len(all) > 0 {
			return all[0], true
		}
	}
	return ingest.PublishSession{}, false
}

func (h *Handler) baseURL() string {
	return "http://" + h.cfg.PublicHost + ":" + strconv.Itoa(h.cfg.HTTPPort)
}

// StreamKeyResponse is the body of the stream key endpoints.
type StreamKeyResponse struct {
	StreamKey *string `json:"streamKey"`
	ServerURL string  `json:"serverUrl"`
	FullURL   *string `json:"fullUrl"`
}

// GetStreamKey handles GET /api/stream-key.
func (h *Handler) GetStreamKey(w http.ResponseWriter, r *http.Request) {
	resp := StreamKeyResponse{ServerURL: h.deps.Keys.ServerURL()}
	if key, ok := h.deps.Keys.Current(); ok {
		token, full := key.Token, h.deps.Keys.FullURL(key.Token)
		resp.StreamKey, resp.FullURL = &token, &full
	}
	writeJSON(w, http.StatusOK, resp)
}

// IssueStreamKey handles POST /api/stream-key. Any session publishing under
// the previous key is terminated before the response is written.
func (h *Handler) IssueStreamKey(w http.ResponseWriter, r *http.Request) {
	issued := h.deps.Keys.Issue()
	h.metrics.KeyIssued()
	events.Emit(r.Context(), h.deps.Events, events.Event{Kind: events.KeyIssued})
	h.log.Info("stream key issued", slog.Time("issued_at", issued.Key.IssuedAt))

	token, full := issued.Key.Token, issued.FullURL
	writeJSON(w, http.StatusOK, StreamKeyResponse{
		StreamKey: &token,
		ServerURL: issued.ServerURL,
		FullURL:   &full,
	})
}

// RevokeStreamKey handles DELETE /api/stream-key. Revoking with no key set
// still succeeds.
func (h *Handler) RevokeStreamKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.deps.Keys.Revoke(); ok {
		h.metrics.KeyRevoked()
		events.Emit(r.Context(), h.deps.Events, events.Event{Kind: events.KeyRevoked})
		h.log.Info("stream key revoked")
		writeJSON(w, http.StatusOK, map[string]string{"message": "stream key revoked"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "no stream key to revoke"})
}

// Events handles GET /api/events?limit=N.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	list := []events.Event{}
	if h.deps.Recorder != nil {
		list = h.deps.Recorder.Recent(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

// Jobs handles GET /api/jobs.
func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	jobs := []fanout.Job{}
	if h.deps.Jobs != nil {
		jobs = h.deps.Jobs.Jobs()
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// LiveStatusResponse is the body of GET /api/live/status.
type LiveStatusResponse struct {
	Active  bool   `json:"active"`
	WHEPURL string `json:"whepUrl,omitempty"`
}

// LiveStatus handles GET /api/live/status, the WebRTC view of the current
// stream. With an origin configured the stream is active only once the
// origin reports the path ready.
func (h *Handler) LiveStatus(w http.ResponseWriter, r *http.Request) {
	var resp LiveStatusResponse
	sess, ok := h.liveSession()
	if !ok || h.cfg.WHEPUpstream == "" {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.WHEPURL = h.baseURL() + "/" + sess.Path + "/whep"
	resp.Active = true
	if h.deps.Origin != nil {
		ready, err := h.deps.Origin.PathReady(r.Context(), sess.Path)
		if err != nil {
			h.log.Debug("origin readiness check failed",
				slog.String("path", sess.Path),
				slog.String("error", err.Error()))
		}
		resp.Active = ready
	}
	writeJSON(w, http.StatusOK, resp)
}

// stream resolves {app}/{token} to an open hub stream with an active
// session behind it.
func (h *Handler) stream(r *http.Request) (*live.Stream, string, bool) {
	app := chi.URLParam(r, "app")
	token := chi.URLParam(r, "token")
	if app == "" || token == "" {
		return nil, "", false
	}
	path := ingest.StreamPath(app, token)
	if sess, ok := h.deps.Sessions.Active(token); !ok || sess.Path != path {
		return nil, path, false
	}
	st, ok := h.deps.Hub.Get(path)
	return st, path, ok
}

func (h *Handler) logStreamEnd(ctx context.Context, protocol, path string, err error) {
	attrs := []any{slog.String("protocol", protocol), slog.String("path", path)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	h.log.Log(ctx, slog.LevelDebug, "viewer left", attrs...)
}
