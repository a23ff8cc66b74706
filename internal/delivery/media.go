package delivery

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/format/flv"

	"live-ingest/internal/fanout"
	"live-ingest/internal/ingest"
)

const (
	flvContentType      = "video/x-flv"
	playlistContentType = "application/vnd.apple.mpegurl"
	dashContentType     = "application/dash+xml"
)

var fileNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func validFileName(name string) bool {
	return fileNamePattern.MatchString(name) && !strings.Contains(name, "..")
}

// writeFlusher is what the joy4 FLV muxer writes to.
type writeFlusher interface {
	io.Writer
	Flush() error
}

// copyFLV muxes src as FLV into w, flushing after the header and after every
// packet. End of stream writes the trailer and returns nil.
func copyFLV(w writeFlusher, src av.Demuxer) error {
	streams, err := src.Streams()
	if err != nil {
		return err
	}
	mux := flv.NewMuxerWriteFlusher(w)
	if err := mux.WriteHeader(streams); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for {
		pkt, err := src.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return mux.WriteTrailer()
			}
			return err
		}
		if err := mux.WritePacket(pkt); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

// httpFlushWriter flushes the response after every muxer flush so players
// receive each tag as it is written.
type httpFlushWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (f httpFlushWriter) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f httpFlushWriter) Flush() error {
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return nil
}

// ServeFLV handles GET /{app}/{token}.flv. The response ends normally when
// the publisher stops.
func (h *Handler) ServeFLV(w http.ResponseWriter, r *http.Request) {
	st, path, ok := h.stream(r)
	if !ok {
		writeError(w, http.StatusNotFound, "stream not live")
		return
	}

	w.Header().Set("Content-Type", flvContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	detach := st.Attach()
	h.metrics.ViewerJoined("flv")
	defer func() {
		detach()
		h.metrics.ViewerLeft("flv")
	}()

	flusher, _ := w.(http.Flusher)
	err := copyFLV(httpFlushWriter{w: w, flusher: flusher}, st.Cursor())
	h.logStreamEnd(r.Context(), "flv", path, err)
}

// wsFrameWriter buffers muxer output and sends it as one binary frame per
// flush.
type wsFrameWriter struct {
	conn *websocket.Conn
	buf  bytes.Buffer
}

func (ws *wsFrameWriter) Write(p []byte) (int, error) { return ws.buf.Write(p) }

func (ws *wsFrameWriter) Flush() error {
	if ws.buf.Len() == 0 {
		return nil
	}
	err := ws.conn.WriteMessage(websocket.BinaryMessage, ws.buf.Bytes())
	ws.buf.Reset()
	return err
}

// ServeWSFLV handles GET /ws/{app}/{token}.flv, the same FLV bytes carried in
// WebSocket binary frames.
func (h *Handler) ServeWSFLV(w http.ResponseWriter, r *http.Request) {
	st, path, ok := h.stream(r)
	if !ok {
		writeError(w, http.StatusNotFound, "stream not live")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	detach := st.Attach()
	h.metrics.ViewerJoined("ws-flv")
	defer func() {
		detach()
		h.metrics.ViewerLeft("ws-flv")
	}()

	// drain control frames so close and ping are handled
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	err = copyFLV(&wsFrameWriter{conn: conn}, st.Cursor())
	if err == nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
	}
	h.logStreamEnd(r.Context(), "ws-flv", path, err)
}

// ServeFile handles GET /{app}/{token}/{file}: HLS and DASH manifests and
// segments written by the transcoder.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	token := chi.URLParam(r, "token")
	file := chi.URLParam(r, "file")

	if !validFileName(file) {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	path := ingest.StreamPath(app, token)
	if sess, ok := h.deps.Sessions.Active(token); !ok || sess.Path != path {
		writeError(w, http.StatusNotFound, "stream not live")
		return
	}
	dir, err := fanout.ArtifactDir(h.cfg.MediaRoot, path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream path")
		return
	}

	f, err := os.Open(filepath.Join(dir, file))
	if err != nil {
		writeError(w, http.StatusNotFound, "not ready")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "not ready")
		return
	}

	if ct := mediaContentType(file); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if isManifest(file) {
		w.Header().Set("Cache-Control", "no-cache")
	}
	http.ServeContent(w, r, file, info.ModTime(), f)
}

func mediaContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return playlistContentType
	case ".mpd":
		return dashContentType
	case ".ts":
		return "video/mp2t"
	case ".m4s":
		return "video/iso.segment"
	case ".mp4":
		return "video/mp4"
	}
	return ""
}

func isManifest(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".m3u8" || ext == ".mpd"
}
