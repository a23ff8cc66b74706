package streamkey

import (
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"
)

var ingest = IngestURL{Scheme: "rtmp", Host: "localhost", Port: 1935, App: "live"}

func sequentialTokens() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("token%d", n)
	}
}

func TestRegistry_IssueReplacesCurrent(t *testing.T) {
	r := NewRegistry(ingest)

	first := r.Issue()
	second := r.Issue()

	if r.Validate(first.Key.Token) {
		t.Error("first token should be invalid after a second issue")
	}
	if !r.Validate(second.Key.Token) {
		t.Error("second token should be valid")
	}
	if first.Key.Token == second.Key.Token {
		t.Error("tokens should differ")
	}
}

func TestRegistry_IssueURLs(t *testing.T) {
	r := NewRegistry(ingest, WithTokenSource(func() string { return "abc" }))
	got := r.Issue()

	if got.ServerURL != "rtmp://localhost:1935/live" {
		t.Errorf("ServerURL = %q", got.ServerURL)
	}
	if got.FullURL != "rtmp://localhost:1935/live/abc" {
		t.Errorf("FullURL = %q", got.FullURL)
	}
}

func TestNewToken_shape(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		tok := NewToken()
		if !re.MatchString(tok) {
			t.Fatalf("token %q is not 32 hex chars", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry(ingest, WithTokenSource(sequentialTokens()))

	t.Run("no_key", func(t *testing.T) {
		if r.Validate("token1") {
			t.Error("nothing issued yet")
		}
	})

	issued := r.Issue()

	t.Run("current_key", func(t *testing.T) {
		if !r.Validate(issued.Key.Token) {
			t.Error("current key should validate")
		}
	})
	t.Run("empty_token", func(t *testing.T) {
		if r.Validate("") {
			t.Error("empty token must never validate")
		}
	})
	t.Run("wrong_token", func(t *testing.T) {
		if r.Validate("token99") {
			t.Error("unknown token validated")
		}
	})
}

func TestRegistry_Revoke(t *testing.T) {
	r := NewRegistry(ingest)

	if _, ok := r.Revoke(); ok {
		t.Error("revoke with no key should report ok=false")
	}

	issued := r.Issue()
	revoked, ok := r.Revoke()
	if !ok || revoked.Token != issued.Key.Token || !revoked.Revoked {
		t.Errorf("Revoke = %+v, %v", revoked, ok)
	}
	if r.Validate(issued.Key.Token) {
		t.Error("revoked token still valid")
	}
	if _, ok := r.Current(); ok {
		t.Error("Current should be empty after revoke")
	}
}

func TestRegistry_InvalidateHook(t *testing.T) {
	r := NewRegistry(ingest, WithTokenSource(sequentialTokens()))

	var mu sync.Mutex
	var invalidated []string
	r.OnInvalidate(func(token string) {
		// the hook may call back into the registry
		_ = r.Validate(token)
		mu.Lock()
		invalidated = append(invalidated, token)
		mu.Unlock()
	})

	r.Issue()  // token1
	r.Issue()  // token2 replaces token1
	r.Revoke() // token2

	if len(invalidated) != 2 || invalidated[0] != "token1" || invalidated[1] != "token2" {
		t.Errorf("invalidated = %v", invalidated)
	}
}

func TestRegistry_Current(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(ingest, WithClock(func() time.Time { return at }), WithTokenSource(func() string { return "k" }))

	r.Issue()
	cur, ok := r.Current()
	if !ok || cur.Token != "k" || !cur.IssuedAt.Equal(at) || cur.Revoked {
		t.Errorf("Current = %+v, %v", cur, ok)
	}
}

func TestRegistry_Permissive(t *testing.T) {
	r := NewRegistry(ingest, WithPermissive(true))
	if !r.Validate("anything") {
		t.Error("permissive registry should accept any token")
	}
	if r.Validate("") {
		t.Error("permissive registry must still reject empty tokens")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(ingest)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Issue()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if k, ok := r.Current(); ok {
					r.Validate(k.Token)
				}
			}
		}()
	}
	wg.Wait()
}
