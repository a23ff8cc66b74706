// Package live keeps the in-process copy of every active publish: one joy4
// pubsub queue per stream path, written by the publisher and read by any
// number of independent cursors (HTTP-FLV, WS-FLV, RTMP play, the
// transcoder feed).
package live

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/av/pubsub"
)

var (
	// ErrStreamExists is returned by Open when the path already has a writer.
	ErrStreamExists = errors.New("stream already open")
	// ErrStreamNotFound is returned when the path has no open stream.
	ErrStreamNotFound = errors.New("stream not found")
)

// DefaultGopCount is how many complete GOPs are retained behind the writer.
// It bounds memory only: every cursor joins at the latest keyframe whatever
// the count.
const DefaultGopCount = 1

// Stream is one open live stream.
type Stream struct {
	Path      string
	StartedAt time.Time

	queue    *pubsub.Queue
	videoIdx int8
	viewers  atomic.Int64
	packets  atomic.Int64
}

// WritePacket appends pkt to the buffer shared by all readers.
func (s *Stream) WritePacket(pkt av.Packet) error {
	s.packets.Add(1)
	return s.queue.WritePacket(pkt)
}

// Cursor returns a reader positioned at the most recent keyframe, so a new
// viewer can start decoding right away. Each cursor reads independently and
// returns io.EOF once the stream is closed.
func (s *Stream) Cursor() av.Demuxer {
	return &keyframeCursor{Demuxer: s.queue.DelayedGopCount(1), videoIdx: s.videoIdx}
}

// keyframeCursor drops everything ahead of the first video keyframe. The
// queue may position a delayed cursor one packet before the keyframe.
type keyframeCursor struct {
	av.Demuxer
	videoIdx int8
	started  bool
}

func (c *keyframeCursor) ReadPacket() (av.Packet, error) {
	for {
		pkt, err := c.Demuxer.ReadPacket()
		if err != nil || c.started || c.videoIdx < 0 {
			return pkt, err
		}
		if pkt.Idx == c.videoIdx && pkt.IsKeyFrame {
			c.started = true
			return pkt, nil
		}
	}
}

// Attach counts a viewer; call the returned func when it leaves.
func (s *Stream) Attach() (detach func()) {
	s.viewers.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { s.viewers.Add(-1) })
	}
}

// Viewers is the number of attached readers.
func (s *Stream) Viewers() int64 {
	return s.viewers.Load()
}

// Packets is the number of packets written so far.
func (s *Stream) Packets() int64 {
	return s.packets.Load()
}

// Hub maps stream paths ("live/<token>") to open streams.
type Hub struct {
	mu       sync.RWMutex
	streams  map[string]*Stream
	gopCount int
	now      func() time.Time
}

// NewHub returns an empty hub that keeps gopCount GOPs per stream. The count
// does not move the join point; see Stream.Cursor.
func NewHub(gopCount int) *Hub {
	if gopCount <= 0 {
		gopCount = DefaultGopCount
	}
	return &Hub{
		streams:  make(map[string]*Stream),
		gopCount: gopCount,
		now:      time.Now,
	}
}

// Open creates the stream for path with the publisher's codec header.
func (h *Hub) Open(path string, codecs []av.CodecData) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.streams[path]; exists {
		return nil, ErrStreamExists
	}

	q := pubsub.NewQueue()
	// keep one GOP more than we replay so the newest keyframe is never evicted
	q.SetMaxGopCount(h.gopCount + 1)
	if err := q.WriteHeader(codecs); err != nil {
		q.Close()
		return nil, err
	}

	st := &Stream{Path: path, StartedAt: h.now().UTC(), queue: q, videoIdx: -1}
	for i, c := range codecs {
		if c.Type().IsVideo() {
			st.videoIdx = int8(i)
			break
		}
	}
	h.streams[path] = st
	return st, nil
}

// Get returns the open stream for path.
func (h *Hub) Get(path string) (*Stream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.streams[path]
	return st, ok
}

// Close ends the stream for path. Readers drain what is buffered and then see
// io.EOF. Closing an unknown path is a no-op.
func (h *Hub) Close(path string) {
	h.mu.Lock()
	st, ok := h.streams[path]
	delete(h.streams, path)
	h.mu.Unlock()

	if ok {
		st.queue.WriteTrailer()
		st.queue.Close()
	}
}

// Paths lists open stream paths in sorted order.
func (h *Hub) Paths() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.streams))
	for p := range h.streams {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
