package ingest

import (
	"errors"
	"strings"
	"time"

	"github.com/nareix/joy4/av"
)

var (
	// ErrMissingKey means the publish path carries no token segment.
	ErrMissingKey = errors.New("stream key missing from publish path")
	// ErrInvalidKey means the token is not the current stream key.
	ErrInvalidKey = errors.New("invalid stream key")
	// ErrDuplicatePublisher means the key already has an active session.
	ErrDuplicatePublisher = errors.New("stream key already publishing")
	// ErrShuttingDown is returned for publishes that arrive during Shutdown.
	ErrShuttingDown = errors.New("ingest shutting down")
	// ErrTerminated means the session was ended by Terminate or Shutdown
	// before it became active.
	ErrTerminated = errors.New("publish session terminated")
)

// terminatedError carries the reason given to Terminate.
type terminatedError struct {
	reason string
}

func (e *terminatedError) Error() string { return ErrTerminated.Error() + ": " + e.reason }

func (e *terminatedError) Is(target error) bool { return target == ErrTerminated }

// State is a PublishSession lifecycle state.
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateEnded    State = "ended"
	StateRejected State = "rejected"
)

// PublishSession is one broadcaster connection.
type PublishSession struct {
	ID         string     `json:"id"`
	Token      string     `json:"-"`
	App        string     `json:"app"`
	Path       string     `json:"path"`
	RemoteAddr string     `json:"remoteAddr"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	State      State      `json:"state"`
	Reason     string     `json:"reason,omitempty"`
}

// Publisher is the inbound side of an RTMP publish, reduced to what the
// manager needs.
type Publisher interface {
	Path() string
	RemoteAddr() string
	Streams() ([]av.CodecData, error)
	ReadPacket() (av.Packet, error)
	Close() error
}

// SplitPath splits "/live/<token>" into app and token. The token is the last
// segment; everything before it is the app.
func SplitPath(p string) (app, token string, err error) {
	p = strings.Trim(p, "/")
	i := strings.LastIndex(p, "/")
	if i <= 0 || i == len(p)-1 {
		return "", "", ErrMissingKey
	}
	return p[:i], p[i+1:], nil
}

// StreamPath joins app and token the way the hub and fan-out key streams.
func StreamPath(app, token string) string {
	return app + "/" + token
}
