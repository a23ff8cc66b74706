package streamkey

import (
	"fmt"
	"time"
)

// StreamKey is the bearer credential embedded in the ingest path.
type StreamKey struct {
	Token    string    `json:"streamKey"`
	IssuedAt time.Time `json:"issuedAt"`
	Revoked  bool      `json:"revoked"`
}

// Issued is what Issue hands back to the operator: the key plus the URLs to
// paste into the broadcasting tool.
type Issued struct {
	Key       StreamKey
	ServerURL string
	FullURL   string
}

// IngestURL describes where broadcasters publish, e.g. rtmp://localhost:1935/live.
type IngestURL struct {
	Scheme string
	Host   string
	Port   int
	App    string
}

// String renders scheme://host:port/app.
func (u IngestURL) String() string {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "rtmp"
	}
	return fmt.Sprintf("%s://%s:%d/%s", scheme, u.Host, u.Port, u.App)
}

// WithToken renders the full publish URL for token.
func (u IngestURL) WithToken(token string) string {
	return u.String() + "/" + token
}
