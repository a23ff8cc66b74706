package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestRecorder_Recent_newestFirst(t *testing.T) {
	r := NewRecorder(3)
	for _, k := range []Kind{SessionStarted, SessionEnded, KeyIssued, KeyRevoked} {
		r.Emit(context.Background(), Event{Kind: k})
	}

	got := r.Recent(0)
	if len(got) != 3 {
		t.Fatalf("expected ring of 3, got %d", len(got))
	}
	want := []Kind{KeyRevoked, KeyIssued, SessionEnded}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("Recent[%d] = %s, want %s", i, got[i].Kind, k)
		}
	}

	if got := r.Recent(1); len(got) != 1 || got[0].Kind != KeyRevoked {
		t.Errorf("Recent(1) = %v", got)
	}
}

func TestRecorder_partiallyFilled(t *testing.T) {
	r := NewRecorder(10)
	r.Emit(context.Background(), Event{Kind: SessionStarted})
	if got := r.Recent(5); len(got) != 1 {
		t.Errorf("expected 1 event, got %d", len(got))
	}
}

func TestEmit_stampsTimeAndFansOut(t *testing.T) {
	a, b := NewRecorder(2), NewRecorder(2)
	Emit(context.Background(), Multi{a, nil, b}, Event{Kind: FanoutFailed, Path: "live/abc"})

	for _, r := range []*Recorder{a, b} {
		got := r.Recent(0)
		if len(got) != 1 || got[0].At.IsZero() || got[0].Path != "live/abc" {
			t.Errorf("unexpected recorded events: %v", got)
		}
	}

	Emit(context.Background(), nil, Event{Kind: KeyIssued})
}

func TestLogSink_levels(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Log: slog.New(slog.NewJSONHandler(&buf, nil))}
	sink.Emit(context.Background(), Event{Kind: SessionRejected, Path: "live/x", Reason: "invalid_key"})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["level"] != "WARN" || rec["reason"] != "invalid_key" || rec["event"] != "session.rejected" {
		t.Errorf("unexpected log record: %v", rec)
	}
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisSink_publishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewRedisSink(pub, "", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	sink.Emit(context.Background(), Event{Kind: SessionStarted, Path: "live/abc", SessionID: "s1"})

	if pub.channel != DefaultRedisChannel {
		t.Errorf("channel = %q", pub.channel)
	}
	var ev Event
	if err := json.Unmarshal(pub.payload, &ev); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if ev.Kind != SessionStarted || ev.SessionID != "s1" {
		t.Errorf("unexpected payload: %+v", ev)
	}
}

func TestRedisSink_logsFailures(t *testing.T) {
	var buf bytes.Buffer
	pub := &fakePublisher{err: errors.New("connection refused")}
	sink := NewRedisSink(pub, "ops", slog.New(slog.NewTextHandler(&buf, nil)))
	sink.Emit(context.Background(), Event{Kind: KeyRevoked})

	if !strings.Contains(buf.String(), "connection refused") {
		t.Errorf("expected failure to be logged, got %q", buf.String())
	}
}
