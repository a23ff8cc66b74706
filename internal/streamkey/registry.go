package streamkey

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InvalidateFunc is called with a token that just stopped being valid, either
// because it was revoked or replaced by a newer key. It runs outside the
// registry lock.
type InvalidateFunc func(token string)

// Registry holds the single current stream key. State lives in memory only,
// so a restart revokes every key.
type Registry struct {
	mu         sync.RWMutex
	current    *StreamKey
	ingest     IngestURL
	permissive bool
	onInvalid  InvalidateFunc

	now      func() time.Time
	newToken func() string
}

// Option customises a Registry.
type Option func(*Registry)

// WithPermissive accepts any non-empty token. Development only.
func WithPermissive(enabled bool) Option {
	return func(r *Registry) { r.permissive = enabled }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTokenSource overrides token generation.
func WithTokenSource(fn func() string) Option {
	return func(r *Registry) { r.newToken = fn }
}

// NewRegistry returns an empty registry for the given ingest endpoint.
func NewRegistry(ingest IngestURL, opts ...Option) *Registry {
	r := &Registry{
		ingest:   ingest,
		now:      time.Now,
		newToken: NewToken,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewToken returns 32 lowercase hex characters from a random UUID.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// OnInvalidate registers the hook fired when a key stops being valid.
func (r *Registry) OnInvalidate(fn InvalidateFunc) {
	r.mu.Lock()
	r.onInvalid = fn
	r.mu.Unlock()
}

// Issue generates a new key and makes it current. The previous key, if any,
// is invalidated.
func (r *Registry) Issue() Issued {
	key := StreamKey{Token: r.newToken(), IssuedAt: r.now().UTC()}

	r.mu.Lock()
	prev := r.current
	r.current = &key
	hook := r.onInvalid
	r.mu.Unlock()

	if prev != nil && hook != nil && prev.Token != key.Token {
		hook(prev.Token)
	}
	return Issued{
		Key:       key,
		ServerURL: r.ingest.String(),
		FullURL:   r.ingest.WithToken(key.Token),
	}
}

// Validate reports whether token may publish.
func (r *Registry) Validate(token string) bool {
	if token == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.permissive {
		return true
	}
	return r.current != nil && !r.current.Revoked && r.current.Token == token
}

// Revoke clears the current key and returns it. ok is false when no key was
// set.
func (r *Registry) Revoke() (StreamKey, bool) {
	r.mu.Lock()
	prev := r.current
	r.current = nil
	hook := r.onInvalid
	r.mu.Unlock()

	if prev == nil {
		return StreamKey{}, false
	}
	revoked := *prev
	revoked.Revoked = true
	if hook != nil {
		hook(revoked.Token)
	}
	return revoked, true
}

// Current returns a copy of the current key.
func (r *Registry) Current() (StreamKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return StreamKey{}, false
	}
	return *r.current, true
}

// ServerURL is the ingest URL without a token.
func (r *Registry) ServerURL() string {
	return r.ingest.String()
}

// FullURL is the ingest URL for token.
func (r *Registry) FullURL(token string) string {
	return r.ingest.WithToken(token)
}

// Permissive reports whether the development override is on.
func (r *Registry) Permissive() bool {
	return r.permissive
}
