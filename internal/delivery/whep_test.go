package delivery

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"live-ingest/internal/origin"
)

const testOffer = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\n"

func postOffer(env *testEnv, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(testOffer))
	req.Header.Set("Content-Type", sdpContentType)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestWHEP_Disabled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sessions.set("live", "abc")
	if rec := postOffer(env, "/live/abc/whep"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestWHEP_NotLive(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.WHEPUpstream = "http://127.0.0.1:1" })
	if rec := postOffer(env, "/live/abc/whep"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := postOffer(env, "/api/live/whep"); rec.Code != http.StatusNotFound {
		t.Errorf("current key without key: expected 404, got %d", rec.Code)
	}
}

func TestWHEP_Proxy(t *testing.T) {
	var gotPath, gotBody, gotType string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", sdpContentType)
		w.Header().Set("Location", "/live/abc/whep/session-1")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "v=0\r\nanswer\r\n")
	}))
	defer origin.Close()

	env := newTestEnv(t, func(c *Config) { c.WHEPUpstream = origin.URL + "/" })
	env.sessions.set("live", "abc")

	rec := postOffer(env, "/live/abc/whep")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotPath != "/live/abc/whep" || gotBody != testOffer || gotType != sdpContentType {
		t.Errorf("upstream saw path=%q type=%q body=%q", gotPath, gotType, gotBody)
	}
	if loc := rec.Header().Get("Location"); loc != "/live/abc/whep/session-1" {
		t.Errorf("Location = %q", loc)
	}
	if ct := rec.Header().Get("Content-Type"); ct != sdpContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "answer") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestWHEP_CurrentKey(t *testing.T) {
	var gotPath string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer origin.Close()

	env := newTestEnv(t, func(c *Config) { c.WHEPUpstream = origin.URL })
	issued := env.keys.Issue()
	env.sessions.set("live", issued.Key.Token)

	if rec := postOffer(env, "/api/live/whep"); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if want := "/live/" + issued.Key.Token + "/whep"; gotPath != want {
		t.Errorf("upstream path = %q, want %q", gotPath, want)
	}
}

func TestWHEP_UpstreamDown(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	env := newTestEnv(t, func(c *Config) { c.WHEPUpstream = url })
	env.sessions.set("live", "abc")
	if rec := postOffer(env, "/live/abc/whep"); rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestWHEP_EmptyOffer(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.WHEPUpstream = "http://127.0.0.1:1" })
	env.sessions.set("live", "abc")
	req := httptest.NewRequest(http.MethodPost, "/live/abc/whep", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestLiveStatus(t *testing.T) {
	var ready atomic.Bool
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready.Load() {
			io.WriteString(w, `{"items":[{"name":"live/00000000000000000000000000000001","ready":true}]}`)
			return
		}
		io.WriteString(w, `{"items":[]}`)
	}))
	defer api.Close()

	t.Run("no stream", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.WHEPUpstream = "http://127.0.0.1:8889" })
		got := decode[LiveStatusResponse](t, env.do(http.MethodGet, "/api/live/status"))
		if got.Active || got.WHEPURL != "" {
			t.Errorf("status = %+v", got)
		}
	})

	t.Run("without origin check", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.WHEPUpstream = "http://127.0.0.1:8889" })
		key := env.keys.Issue()
		env.sessions.set("live", key.Key.Token)
		got := decode[LiveStatusResponse](t, env.do(http.MethodGet, "/api/live/status"))
		if !got.Active || got.WHEPURL != "http://localhost:8000/live/"+key.Key.Token+"/whep" {
			t.Errorf("status = %+v", got)
		}
	})

	t.Run("waits for origin", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.WHEPUpstream = "http://127.0.0.1:8889" })
		env.h.deps.Origin = origin.NewClient(api.URL)
		key := env.keys.Issue()
		env.sessions.set("live", key.Key.Token)

		got := decode[LiveStatusResponse](t, env.do(http.MethodGet, "/api/live/status"))
		if got.Active {
			t.Errorf("active before the origin has the path: %+v", got)
		}
		if got.WHEPURL == "" {
			t.Error("whep url missing while publishing")
		}

		ready.Store(true)
		got = decode[LiveStatusResponse](t, env.do(http.MethodGet, "/api/live/status"))
		if !got.Active {
			t.Errorf("not active once the origin is ready: %+v", got)
		}
	})

	t.Run("origin unreachable", func(t *testing.T) {
		down := httptest.NewServer(http.NotFoundHandler())
		url := down.URL
		down.Close()

		env := newTestEnv(t, func(c *Config) { c.WHEPUpstream = "http://127.0.0.1:8889" })
		env.h.deps.Origin = origin.NewClient(url)
		key := env.keys.Issue()
		env.sessions.set("live", key.Key.Token)
		if got := decode[LiveStatusResponse](t, env.do(http.MethodGet, "/api/live/status")); got.Active {
			t.Errorf("status = %+v", got)
		}
	})
}
