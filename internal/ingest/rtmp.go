package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/format/rtmp"
)

// rtmpPublisher adapts a joy4 connection to Publisher.
type rtmpPublisher struct {
	conn *rtmp.Conn
}

func (p rtmpPublisher) Path() string { return p.conn.URL.Path }

func (p rtmpPublisher) RemoteAddr() string {
	if nc := p.conn.NetConn(); nc != nil {
		return nc.RemoteAddr().String()
	}
	return ""
}

func (p rtmpPublisher) Streams() ([]av.CodecData, error) { return p.conn.Streams() }
func (p rtmpPublisher) ReadPacket() (av.Packet, error)    { return p.conn.ReadPacket() }
func (p rtmpPublisher) Close() error                      { return p.conn.Close() }

// RTMPServer is the broadcaster-facing listener.
type RTMPServer struct {
	srv     *rtmp.Server
	log     *slog.Logger
	running atomic.Bool
}

// NewRTMPServer wires publish and play handlers on addr to m.
func NewRTMPServer(addr string, m *Manager, log *slog.Logger) *RTMPServer {
	s := &RTMPServer{log: log}
	s.srv = &rtmp.Server{
		Addr: addr,
		HandlePublish: func(conn *rtmp.Conn) {
			// rejections are already logged by the manager
			_ = m.HandlePublish(rtmpPublisher{conn: conn})
		},
		HandlePlay: func(conn *rtmp.Conn) {
			defer conn.Close()
			if err := m.ServePlay(conn.URL.Path, conn); err != nil {
				log.Debug("rtmp play ended",
					slog.String("path", conn.URL.Path),
					slog.String("error", err.Error()))
			}
		},
	}
	return s
}

// Run serves until ctx is cancelled or the listener fails. The joy4 server
// has no shutdown hook, so on cancel the accept loop is left to die with the
// process; sessions are torn down by Manager.Shutdown.
func (s *RTMPServer) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	s.running.Store(true)
	go func() { errc <- s.srv.ListenAndServe() }()
	s.log.Info("rtmp listener started", slog.String("addr", s.srv.Addr))

	select {
	case err := <-errc:
		s.running.Store(false)
		return fmt.Errorf("rtmp listener: %w", err)
	case <-ctx.Done():
		s.running.Store(false)
		return nil
	}
}

// Running reports whether the listener is accepting broadcasters.
func (s *RTMPServer) Running() bool {
	return s.running.Load()
}
