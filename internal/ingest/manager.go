// Package ingest admits RTMP publishers against the stream key registry and
// runs each admitted session: packets go into the live hub, the fan-out job
// is started and stopped alongside it.
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/av/avutil"

	"live-ingest/internal/events"
	"live-ingest/internal/fanout"
	"live-ingest/internal/live"
	"live-ingest/internal/platform/metrics"
)

// Authorizer decides whether a token may publish.
type Authorizer interface {
	Validate(token string) bool
}

// Fanout starts and stops the derived outputs of a stream.
type Fanout interface {
	Start(path string, targets []fanout.Target) error
	Stop(path string) error
}

type activeSession struct {
	PublishSession
	pub       Publisher
	endReason string
	done      chan struct{}
}

// Manager owns the session table. One session per token at a time.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*activeSession
	closed   bool

	auth    Authorizer
	hub     *live.Hub
	fanout  Fanout
	targets []fanout.Target

	log     *slog.Logger
	metrics *metrics.Metrics
	events  events.Sink
	now     func() time.Time
	newID   func() string
}

// Option customises a Manager.
type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option { return func(mgr *Manager) { mgr.metrics = m } }

func WithEvents(sink events.Sink) Option { return func(mgr *Manager) { mgr.events = sink } }

// WithTargets sets the fan-out targets started for every session.
func WithTargets(targets []fanout.Target) Option {
	return func(mgr *Manager) { mgr.targets = targets }
}

func WithClock(now func() time.Time) Option { return func(mgr *Manager) { mgr.now = now } }

// NewManager returns a Manager. fan may be nil when no derived outputs are
// wanted.
func NewManager(auth Authorizer, hub *live.Hub, fan Fanout, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*activeSession),
		auth:     auth,
		hub:      hub,
		fanout:   fan,
		targets:  []fanout.Target{fanout.TargetFLV},
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandlePublish runs one publisher connection to completion. It returns nil
// after an admitted session ends and the admission error otherwise. The
// publisher is always closed on return.
func (m *Manager) HandlePublish(pub Publisher) error {
	sess := PublishSession{
		ID:         m.newID(),
		RemoteAddr: pub.RemoteAddr(),
		State:      StatePending,
	}
	app, token, err := SplitPath(pub.Path())
	if err != nil {
		sess.Path = pub.Path()
		return m.reject(pub, sess, err)
	}
	sess.App, sess.Token, sess.Path = app, token, StreamPath(app, token)

	as, err := m.admit(pub, sess)
	if err != nil {
		return m.reject(pub, sess, err)
	}

	streams, err := pub.Streams()
	if err != nil {
		return m.abandon(pub, as, err)
	}
	st, err := m.hub.Open(as.Path, streams)
	if err != nil {
		return m.abandon(pub, as, err)
	}

	m.mu.Lock()
	as.State = StateActive
	as.StartedAt = m.now().UTC()
	m.mu.Unlock()

	m.metrics.SessionStarted()
	events.Emit(context.Background(), m.events, events.Event{
		Kind:      events.SessionStarted,
		Path:      as.Path,
		SessionID: as.ID,
		Detail:    as.RemoteAddr,
	})
	m.log.Info("publish session started",
		slog.String("session_id", as.ID),
		slog.String("path", as.Path),
		slog.String("remote_addr", as.RemoteAddr),
		slog.Int("tracks", len(streams)))

	if m.fanout != nil {
		if err := m.fanout.Start(as.Path, m.targets); err != nil {
			m.log.Error("start fan-out", slog.String("path", as.Path), slog.String("error", err.Error()))
		}
	}

	reason := pump(pub, st)
	m.end(as, reason)
	return nil
}

// admit validates the token and claims it in the session table. Validation
// happens under the table lock so an invalidation hook that runs after a
// successful Validate always finds the session.
func (m *Manager) admit(pub Publisher, sess PublishSession) (*activeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShuttingDown
	}
	if !m.auth.Validate(sess.Token) {
		return nil, ErrInvalidKey
	}
	if _, busy := m.sessions[sess.Token]; busy {
		return nil, ErrDuplicatePublisher
	}
	as := &activeSession{PublishSession: sess, pub: pub, done: make(chan struct{})}
	m.sessions[sess.Token] = as
	return as, nil
}

// abandon undoes admit for a session that never became active. A session
// terminated while pending is rejected with the termination reason.
func (m *Manager) abandon(pub Publisher, as *activeSession, err error) error {
	m.mu.Lock()
	delete(m.sessions, as.Token)
	sess, reason := as.PublishSession, as.endReason
	m.mu.Unlock()
	close(as.done)

	if reason != "" {
		err = &terminatedError{reason: reason}
	}
	return m.reject(pub, sess, err)
}

func (m *Manager) reject(pub Publisher, sess PublishSession, err error) error {
	pub.Close()
	sess.State = StateRejected
	label := rejectReason(err)
	sess.Reason = label
	var te *terminatedError
	if errors.As(err, &te) {
		sess.Reason = te.reason
	}

	m.metrics.PublishRejected(label)
	events.Emit(context.Background(), m.events, events.Event{
		Kind:      events.SessionRejected,
		Path:      sess.Path,
		SessionID: sess.ID,
		Reason:    sess.Reason,
		Detail:    sess.RemoteAddr,
	})
	m.log.Warn("publish rejected",
		slog.String("session_id", sess.ID),
		slog.String("path", sess.Path),
		slog.String("remote_addr", sess.RemoteAddr),
		slog.String("reason", sess.Reason))
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingKey):
		return "missing_key"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrDuplicatePublisher):
		return "duplicate_publisher"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrTerminated):
		return "terminated"
	case errors.Is(err, live.ErrStreamExists):
		return "stream_exists"
	default:
		return "media_header"
	}
}

// pump copies packets until the publisher goes away and returns why.
func pump(pub Publisher, st *live.Stream) string {
	for {
		pkt, err := pub.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "publisher disconnected"
			}
			return err.Error()
		}
		if err := st.WritePacket(pkt); err != nil {
			return err.Error()
		}
	}
}

func (m *Manager) end(as *activeSession, reason string) {
	m.hub.Close(as.Path)
	if m.fanout != nil {
		if err := m.fanout.Stop(as.Path); err != nil {
			m.log.Warn("stop fan-out", slog.String("path", as.Path), slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	if as.endReason != "" {
		reason = as.endReason
	}
	ended := m.now().UTC()
	as.State = StateEnded
	as.EndedAt = &ended
	as.Reason = reason
	delete(m.sessions, as.Token)
	snapshot := as.PublishSession
	m.mu.Unlock()

	as.pub.Close()
	close(as.done)

	m.metrics.SessionEnded()
	events.Emit(context.Background(), m.events, events.Event{
		Kind:      events.SessionEnded,
		Path:      snapshot.Path,
		SessionID: snapshot.ID,
		Reason:    reason,
	})
	m.log.Info("publish session ended",
		slog.String("session_id", snapshot.ID),
		slog.String("path", snapshot.Path),
		slog.String("reason", reason),
		slog.Duration("duration", ended.Sub(snapshot.StartedAt)))
}

// Terminate ends the session publishing under token and waits until its
// teardown (hub close, fan-out stop) has finished. It reports whether a
// session existed.
func (m *Manager) Terminate(token, reason string) bool {
	m.mu.Lock()
	as, ok := m.sessions[token]
	if ok {
		as.endReason = reason
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	as.pub.Close()
	<-as.done
	return true
}

// Shutdown refuses new publishers and terminates every session, waiting for
// teardown or ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*activeSession, 0, len(m.sessions))
	for _, as := range m.sessions {
		as.endReason = "server shutdown"
		all = append(all, as)
	}
	m.mu.Unlock()

	for _, as := range all {
		as.pub.Close()
	}
	for _, as := range all {
		select {
		case <-as.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Active returns the active session for token.
func (m *Manager) Active(token string) (PublishSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	as, ok := m.sessions[token]
	if !ok || as.State != StateActive {
		return PublishSession{}, false
	}
	return as.PublishSession, true
}

// Sessions lists active sessions, oldest first.
func (m *Manager) Sessions() []PublishSession {
	m.mu.RLock()
	out := make([]PublishSession, 0, len(m.sessions))
	for _, as := range m.sessions {
		if as.State == StateActive {
			out = append(out, as.PublishSession)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ServePlay writes the live stream at path to w, starting at the latest
// keyframe, until the publisher stops or w fails.
func (m *Manager) ServePlay(path string, w av.Muxer) error {
	app, token, err := SplitPath(path)
	if err != nil {
		return err
	}
	st, ok := m.hub.Get(StreamPath(app, token))
	if !ok {
		return live.ErrStreamNotFound
	}
	detach := st.Attach()
	m.metrics.ViewerJoined("rtmp")
	defer func() {
		detach()
		m.metrics.ViewerLeft("rtmp")
	}()
	return avutil.CopyFile(w, st.Cursor())
}
