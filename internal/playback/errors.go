package playback

import (
	"errors"
	"fmt"
)

// ErrAutoplayBlocked is returned by Session.Play when output may only start
// after a user interaction.
var ErrAutoplayBlocked = errors.New("autoplay blocked")

// NotReadyError means the stream is not available yet: the server answered
// 404 or 503, or WebRTC negotiation failed before any media arrived. It is
// retried on a fixed interval and never counts as a playback error.
type NotReadyError struct {
	StatusCode int
	Reason     string
}

func (e *NotReadyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("stream not ready: http %d", e.StatusCode)
	}
	return "stream not ready: " + e.Reason
}

// IsNotReady reports whether err is, or wraps, a NotReadyError.
func IsNotReady(err error) bool {
	var nr *NotReadyError
	return errors.As(err, &nr)
}

// classifyHTTP maps a non-success response status to an error.
func classifyHTTP(code int) error {
	switch code {
	case 404, 503:
		return &NotReadyError{StatusCode: code}
	default:
		return fmt.Errorf("unexpected http status %d", code)
	}
}
