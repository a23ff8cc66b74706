package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nareix/joy4/av"

	"live-ingest/internal/events"
	"live-ingest/internal/fanout"
	"live-ingest/internal/live"
	"live-ingest/internal/platform/logger"
	"live-ingest/internal/streamkey"
)

type fakeCodec struct{ t av.CodecType }

func (c fakeCodec) Type() av.CodecType { return c.t }

// fakePublisher delivers packets sent on pkts until closed.
type fakePublisher struct {
	path    string
	pkts    chan av.Packet
	closed  chan struct{}
	once    sync.Once
	headErr error

	// holdHead, when set, is closed as Streams is entered. Streams then
	// blocks until the publisher closes.
	holdHead chan struct{}
}

func newFakePublisher(path string) *fakePublisher {
	return &fakePublisher{path: path, pkts: make(chan av.Packet), closed: make(chan struct{})}
}

func (p *fakePublisher) Path() string       { return p.path }
func (p *fakePublisher) RemoteAddr() string { return "127.0.0.1:50000" }

func (p *fakePublisher) Streams() ([]av.CodecData, error) {
	if p.holdHead != nil {
		close(p.holdHead)
		<-p.closed
		return nil, io.EOF
	}
	if p.headErr != nil {
		return nil, p.headErr
	}
	return []av.CodecData{fakeCodec{av.H264}, fakeCodec{av.AAC}}, nil
}

func (p *fakePublisher) ReadPacket() (av.Packet, error) {
	select {
	case pkt := <-p.pkts:
		return pkt, nil
	case <-p.closed:
		return av.Packet{}, io.EOF
	}
}

func (p *fakePublisher) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePublisher) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

type fakeFanout struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeFanout) Start(path string, _ []fanout.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, path)
	return nil
}

func (f *fakeFanout) Stop(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, path)
	return nil
}

func (f *fakeFanout) calls() (started, stopped []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...), append([]string(nil), f.stopped...)
}

type allowToken string

func (a allowToken) Validate(token string) bool { return token != "" && token == string(a) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startPublish(m *Manager, pub Publisher) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- m.HandlePublish(pub) }()
	return errc
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in         string
		app, token string
		err        error
	}{
		{"/live/abc", "live", "abc", nil},
		{"live/abc/", "live", "abc", nil},
		{"/a/b/abc", "a/b", "abc", nil},
		{"/live", "", "", ErrMissingKey},
		{"/live/", "", "", ErrMissingKey},
		{"", "", "", ErrMissingKey},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			app, token, err := SplitPath(tt.in)
			if !errors.Is(err, tt.err) || app != tt.app || token != tt.token {
				t.Errorf("SplitPath(%q) = %q, %q, %v", tt.in, app, token, err)
			}
		})
	}
}

func TestManager_RejectsBadKeys(t *testing.T) {
	fan := &fakeFanout{}
	rec := events.NewRecorder(8)
	m := NewManager(allowToken("good"), live.NewHub(1), fan, logger.Discard(), WithEvents(rec))

	for name, tc := range map[string]struct {
		path string
		want error
	}{
		"invalid": {"/live/bad", ErrInvalidKey},
		"missing": {"/live", ErrMissingKey},
	} {
		t.Run(name, func(t *testing.T) {
			pub := newFakePublisher(tc.path)
			if err := m.HandlePublish(pub); !errors.Is(err, tc.want) {
				t.Fatalf("HandlePublish = %v, want %v", err, tc.want)
			}
			if !pub.isClosed() {
				t.Error("rejected publisher left open")
			}
		})
	}

	if started, _ := fan.calls(); len(started) != 0 {
		t.Errorf("fan-out started for rejected publisher: %v", started)
	}
	if len(m.Sessions()) != 0 {
		t.Error("rejected publisher has a session")
	}
	if got := rec.Recent(0); len(got) != 2 || got[0].Kind != events.SessionRejected {
		t.Errorf("events = %+v", got)
	}
}

func TestManager_SecondPublisherRejected(t *testing.T) {
	fan := &fakeFanout{}
	m := NewManager(allowToken("k1"), live.NewHub(1), fan, logger.Discard())

	first := newFakePublisher("/live/k1")
	firstDone := startPublish(m, first)
	waitFor(t, "first session active", func() bool {
		_, ok := m.Active("k1")
		return ok
	})

	second := newFakePublisher("/live/k1")
	if err := m.HandlePublish(second); !errors.Is(err, ErrDuplicatePublisher) {
		t.Fatalf("second publisher: got %v, want ErrDuplicatePublisher", err)
	}
	if !second.isClosed() {
		t.Error("second publisher left open")
	}

	sess, ok := m.Active("k1")
	if !ok || sess.State != StateActive || sess.Path != "live/k1" {
		t.Fatalf("first session disturbed: %+v, %v", sess, ok)
	}
	if first.isClosed() {
		t.Error("first publisher was pre-empted")
	}

	first.Close()
	if err := <-firstDone; err != nil {
		t.Errorf("first HandlePublish: %v", err)
	}
	started, stopped := fan.calls()
	if len(started) != 1 || len(stopped) != 1 {
		t.Errorf("fan-out calls: started=%v stopped=%v", started, stopped)
	}
}

func TestManager_PacketsReachHub(t *testing.T) {
	hub := live.NewHub(1)
	m := NewManager(allowToken("k1"), hub, nil, logger.Discard())

	pub := newFakePublisher("/live/k1")
	done := startPublish(m, pub)
	waitFor(t, "stream open", func() bool {
		_, ok := hub.Get("live/k1")
		return ok
	})
	st, _ := hub.Get("live/k1")

	pub.pkts <- av.Packet{Idx: 0, IsKeyFrame: true, Data: []byte{1}}
	pub.pkts <- av.Packet{Idx: 1, Data: []byte{2}}
	waitFor(t, "packets written", func() bool { return st.Packets() == 2 })

	cur := st.Cursor()
	pub.Close()
	<-done

	var n int
	for {
		if _, err := cur.ReadPacket(); err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("ReadPacket: %v", err)
			}
			break
		}
		n++
	}
	if n == 0 {
		t.Error("reader saw no packets before end of stream")
	}
	if _, ok := hub.Get("live/k1"); ok {
		t.Error("hub stream left open after session end")
	}
}

func TestManager_RevokeEndsSession(t *testing.T) {
	reg := streamkey.NewRegistry(streamkey.IngestURL{Host: "localhost", Port: 1935, App: "live"})
	hub := live.NewHub(1)
	fan := &fakeFanout{}
	rec := events.NewRecorder(8)
	m := NewManager(reg, hub, fan, logger.Discard(), WithEvents(rec))
	reg.OnInvalidate(func(token string) { m.Terminate(token, "stream key revoked") })

	issued := reg.Issue()
	pub := newFakePublisher("/live/" + issued.Key.Token)
	done := startPublish(m, pub)
	waitFor(t, "session active", func() bool {
		_, ok := m.Active(issued.Key.Token)
		return ok
	})

	if _, ok := reg.Revoke(); !ok {
		t.Fatal("Revoke found no key")
	}

	// Terminate waits for teardown, so everything is settled here.
	if _, ok := m.Active(issued.Key.Token); ok {
		t.Error("session still active after revoke")
	}
	if _, ok := hub.Get("live/" + issued.Key.Token); ok {
		t.Error("hub stream still open after revoke")
	}
	_, stopped := fan.calls()
	if len(stopped) != 1 || stopped[0] != "live/"+issued.Key.Token {
		t.Errorf("fan-out stop calls = %v", stopped)
	}
	if err := <-done; err != nil {
		t.Errorf("HandlePublish: %v", err)
	}

	var ended *events.Event
	for _, ev := range rec.Recent(0) {
		if ev.Kind == events.SessionEnded {
			ev := ev
			ended = &ev
			break
		}
	}
	if ended == nil || ended.Reason != "stream key revoked" {
		t.Errorf("session.ended event = %+v", ended)
	}

	again := newFakePublisher("/live/" + issued.Key.Token)
	if err := m.HandlePublish(again); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("republish with revoked key: got %v", err)
	}
}

func TestManager_ReissueEndsOldSession(t *testing.T) {
	reg := streamkey.NewRegistry(streamkey.IngestURL{Host: "localhost", Port: 1935, App: "live"})
	m := NewManager(reg, live.NewHub(1), nil, logger.Discard())
	reg.OnInvalidate(func(token string) { m.Terminate(token, "stream key replaced") })

	old := reg.Issue()
	pub := newFakePublisher("/live/" + old.Key.Token)
	done := startPublish(m, pub)
	waitFor(t, "session active", func() bool {
		_, ok := m.Active(old.Key.Token)
		return ok
	})

	next := reg.Issue()
	if _, ok := m.Active(old.Key.Token); ok {
		t.Error("old session survived key replacement")
	}
	<-done

	pub2 := newFakePublisher("/live/" + next.Key.Token)
	done2 := startPublish(m, pub2)
	waitFor(t, "new session active", func() bool {
		_, ok := m.Active(next.Key.Token)
		return ok
	})
	pub2.Close()
	<-done2
}

func TestManager_HeaderFailureReleasesKey(t *testing.T) {
	m := NewManager(allowToken("k1"), live.NewHub(1), nil, logger.Discard())

	bad := newFakePublisher("/live/k1")
	bad.headErr = errors.New("no metadata")
	if err := m.HandlePublish(bad); err == nil {
		t.Fatal("expected header error")
	}

	good := newFakePublisher("/live/k1")
	done := startPublish(m, good)
	waitFor(t, "session active", func() bool {
		_, ok := m.Active("k1")
		return ok
	})
	good.Close()
	<-done
}

func TestManager_TerminatePendingKeepsReason(t *testing.T) {
	rec := events.NewRecorder(8)
	m := NewManager(allowToken("k1"), live.NewHub(1), nil, logger.Discard(), WithEvents(rec))

	pub := newFakePublisher("/live/k1")
	pub.holdHead = make(chan struct{})
	done := startPublish(m, pub)
	<-pub.holdHead

	if !m.Terminate("k1", "stream key invalidated") {
		t.Fatal("pending session not found")
	}
	if err := <-done; !errors.Is(err, ErrTerminated) {
		t.Fatalf("HandlePublish = %v, want ErrTerminated", err)
	}

	evs := rec.Recent(0)
	if len(evs) != 1 || evs[0].Kind != events.SessionRejected {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Reason != "stream key invalidated" {
		t.Errorf("reason = %q, want the termination reason", evs[0].Reason)
	}
	if len(m.Sessions()) != 0 {
		t.Error("pending session left in the table")
	}
}

func TestManager_Shutdown(t *testing.T) {
	fan := &fakeFanout{}
	m := NewManager(allowToken("k1"), live.NewHub(1), fan, logger.Discard())

	pub := newFakePublisher("/live/k1")
	done := startPublish(m, pub)
	waitFor(t, "session active", func() bool {
		_, ok := m.Active("k1")
		return ok
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	<-done
	if len(m.Sessions()) != 0 {
		t.Error("sessions left after shutdown")
	}
	if err := m.HandlePublish(newFakePublisher("/live/k1")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("publish after shutdown: %v", err)
	}
}

func TestManager_ServePlayWithoutStream(t *testing.T) {
	m := NewManager(allowToken("k1"), live.NewHub(1), nil, logger.Discard())
	if err := m.ServePlay("/live/k1", nil); !errors.Is(err, live.ErrStreamNotFound) {
		t.Errorf("ServePlay = %v, want ErrStreamNotFound", err)
	}
}

func TestManager_TerminateUnknown(t *testing.T) {
	m := NewManager(allowToken("k1"), live.NewHub(1), nil, logger.Discard())
	if m.Terminate("nope", "test") {
		t.Error("Terminate reported a session for an unknown token")
	}
}
