package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

// WHEPConnector plays a stream over WebRTC, negotiating with a WHEP
// endpoint. The peer connection is receive-only for one video and one audio
// track.
type WHEPConnector struct {
	HTTP       *http.Client
	ICEServers []webrtc.ICEServer
	// GatherTimeout bounds ICE candidate gathering before the offer is sent.
	GatherTimeout time.Duration
}

// NewWHEPConnector returns a connector that uses the given STUN/TURN
// servers, none by default.
func NewWHEPConnector(iceServers ...string) *WHEPConnector {
	c := &WHEPConnector{
		HTTP:          &http.Client{Timeout: 10 * time.Second},
		GatherTimeout: 5 * time.Second,
	}
	if len(iceServers) > 0 {
		c.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return c
}

func (c *WHEPConnector) Connect(ctx context.Context, endpoint string, h Handlers) (Session, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: c.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := &whepSession{pc: pc, client: c.HTTP}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if s.gotMedia.CompareAndSwap(false, true) && h.OnMedia != nil {
			h.OnMedia(MediaInfo{Tracks: []string{track.Codec().MimeType}})
		}
		go s.drain(track, h)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.onICEState(state, h)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(c.GatherTimeout):
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	answer, location, err := s.exchange(ctx, endpoint, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return nil, err
	}
	s.location = location

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	return s, nil
}

type whepSession struct {
	pc       *webrtc.PeerConnection
	client   *http.Client
	location string

	gotMedia atomic.Bool
	closed   atomic.Bool
	playing  atomic.Bool
	reported atomic.Bool
	once     sync.Once
}

// exchange posts the offer and returns the SDP answer and the resource URL
// for teardown.
func (s *whepSession) exchange(ctx context.Context, endpoint, offer string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(offer))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", classifyHTTP(resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("read answer: %w", err)
	}
	return string(body), resolveLocation(endpoint, resp.Header.Get("Location")), nil
}

func resolveLocation(endpoint, loc string) string {
	if loc == "" {
		return ""
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// errICEFailed is a connection loss after media started. It counts as a
// playback error.
var errICEFailed = errors.New("ice connection failed")

// onICEState reacts only to Failed. Disconnected is transient and may
// recover on its own, so it is left to ICE to resolve.
func (s *whepSession) onICEState(state webrtc.ICEConnectionState, h Handlers) {
	if s.closed.Load() || state != webrtc.ICEConnectionStateFailed {
		return
	}
	if !s.gotMedia.Load() {
		s.report(h, &NotReadyError{Reason: "ice connection failed"})
		return
	}
	s.report(h, errICEFailed)
}

// drain reads RTP until the track ends. A read error after media is the
// only clean end of stream.
func (s *whepSession) drain(track *webrtc.TrackRemote, h Handlers) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			if !s.closed.Load() && s.gotMedia.Load() {
				s.finish(h)
			}
			return
		}
	}
}

// report and finish deliver at most one terminal callback per session.
func (s *whepSession) report(h Handlers, err error) {
	if s.reported.CompareAndSwap(false, true) && h.OnError != nil {
		h.OnError(err)
	}
}

func (s *whepSession) finish(h Handlers) {
	if s.reported.CompareAndSwap(false, true) && h.OnEnd != nil {
		h.OnEnd()
	}
}

func (s *whepSession) Play() error {
	s.playing.Store(true)
	return nil
}

// Close tears down the peer connection and deletes the WHEP resource.
func (s *whepSession) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		if s.location != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if req, rerr := http.NewRequestWithContext(ctx, http.MethodDelete, s.location, nil); rerr == nil {
				if resp, derr := s.client.Do(req); derr == nil {
					resp.Body.Close()
				}
			}
		}
		err = s.pc.Close()
	})
	return err
}
