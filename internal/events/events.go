// Package events carries operator-visible lifecycle events: session starts,
// stops and rejections, key issue/revoke, and fan-out degradation. Events are
// observational only; nothing in the server makes control decisions on them.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind names an event type.
type Kind string

const (
	SessionStarted  Kind = "session.started"
	SessionEnded    Kind = "session.ended"
	SessionRejected Kind = "session.rejected"
	KeyIssued       Kind = "key.issued"
	KeyRevoked      Kind = "key.revoked"
	FanoutStarted   Kind = "fanout.started"
	FanoutRestarted Kind = "fanout.restarted"
	FanoutFailed    Kind = "fanout.failed"
	FanoutStopped   Kind = "fanout.stopped"
)

// Event is a single lifecycle record.
type Event struct {
	Kind      Kind      `json:"kind"`
	Path      string    `json:"path,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives events. Emit must not block for long; it runs on the
// ingest and supervisor goroutines.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Emit stamps ev with the current time if unset and hands it to sink.
// A nil sink is allowed.
func Emit(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	sink.Emit(ctx, ev)
}

// Multi fans one event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// LogSink writes events through slog. Rejections and fan-out failures are
// warnings, everything else is info.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, ev Event) {
	level := slog.LevelInfo
	switch ev.Kind {
	case SessionRejected, FanoutFailed, FanoutRestarted:
		level = slog.LevelWarn
	}
	attrs := []any{slog.String("event", string(ev.Kind))}
	if ev.Path != "" {
		attrs = append(attrs, slog.String("path", ev.Path))
	}
	if ev.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", ev.SessionID))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	s.Log.Log(ctx, level, "lifecycle event", attrs...)
}

// Recorder keeps the most recent events in memory for the operator API.
type Recorder struct {
	mu     sync.RWMutex
	buf    []Event
	next   int
	filled bool
}

// DefaultRecorderSize is used when NewRecorder gets a non-positive size.
const DefaultRecorderSize = 200

func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultRecorderSize
	}
	return &Recorder{buf: make([]Event, size)}
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.filled = true
	}
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (r *Recorder) Recent(limit int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.filled {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
