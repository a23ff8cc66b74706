package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/format/flv"
)

// FLVConnector plays HTTP-FLV streams.
type FLVConnector struct {
	HTTP *http.Client
	// OnPacket, if set, receives every packet once Play has been called.
	OnPacket func(av.Packet)
}

// NewFLVConnector returns a connector using a client without a timeout,
// since the response body lasts as long as the broadcast.
func NewFLVConnector() *FLVConnector {
	return &FLVConnector{HTTP: &http.Client{}}
}

// Connect starts the request in the background. Results arrive through h.
func (c *FLVConnector) Connect(ctx context.Context, url string, h Handlers) (Session, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &flvSession{cancel: cancel, onPacket: c.OnPacket, done: make(chan struct{})}
	go s.run(c.HTTP, req.WithContext(ctx), h)
	return s, nil
}

type flvSession struct {
	cancel   context.CancelFunc
	onPacket func(av.Packet)
	playing  atomic.Bool
	closed   atomic.Bool
	packets  atomic.Int64
	once     sync.Once
	done     chan struct{}
}

func (s *flvSession) run(client *http.Client, req *http.Request, h Handlers) {
	defer close(s.done)

	resp, err := client.Do(req)
	if err != nil {
		s.fail(h, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.fail(h, classifyHTTP(resp.StatusCode))
		return
	}

	demux := flv.NewDemuxer(resp.Body)
	streams, err := demux.Streams()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.end(h)
			return
		}
		s.fail(h, fmt.Errorf("read flv header: %w", err))
		return
	}
	if h.OnMedia != nil {
		h.OnMedia(MediaInfo{Tracks: trackNames(streams)})
	}

	for {
		pkt, err := demux.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.end(h)
				return
			}
			s.fail(h, err)
			return
		}
		s.packets.Add(1)
		if s.playing.Load() && s.onPacket != nil {
			s.onPacket(pkt)
		}
	}
}

func (s *flvSession) fail(h Handlers, err error) {
	if s.closed.Load() || h.OnError == nil {
		return
	}
	h.OnError(err)
}

func (s *flvSession) end(h Handlers) {
	if s.closed.Load() || h.OnEnd == nil {
		return
	}
	h.OnEnd()
}

func (s *flvSession) Play() error {
	s.playing.Store(true)
	return nil
}

func (s *flvSession) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
	return nil
}

func trackNames(streams []av.CodecData) []string {
	names := make([]string, 0, len(streams))
	for _, st := range streams {
		names = append(names, st.Type().String())
	}
	return names
}
