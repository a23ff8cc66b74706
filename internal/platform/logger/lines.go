package logger

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// maxPendingLine caps a line that never ends; it is logged once it grows
// past this size.
const maxPendingLine = 64 * 1024

// LineWriter logs child process output one record per line. A line split
// across writes is held until its newline arrives.
type LineWriter struct {
	log   *slog.Logger
	msg   string
	level func(line string) slog.Level
	attrs []any

	mu      sync.Mutex
	pending []byte
}

// NewLineWriter returns a writer logging each line as msg with a "line"
// attribute plus attrs. level picks the record level per line; nil means
// info.
func NewLineWriter(log *slog.Logger, msg string, level func(string) slog.Level, attrs ...any) *LineWriter {
	return &LineWriter{log: log, msg: msg, level: level, attrs: attrs}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		if idx == -1 {
			w.pending = append(w.pending, p...)
			if len(w.pending) > maxPendingLine {
				w.emitLocked(w.pending)
				w.pending = w.pending[:0]
			}
			break
		}
		if len(w.pending) > 0 {
			w.pending = append(w.pending, p[:idx]...)
			w.emitLocked(w.pending)
			w.pending = w.pending[:0]
		} else {
			w.emitLocked(p[:idx])
		}
		p = p[idx+1:]
	}
	return total, nil
}

// Flush logs a trailing line that had no newline. Call it once the process
// has exited.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emitLocked(w.pending)
		w.pending = w.pending[:0]
	}
}

func (w *LineWriter) emitLocked(raw []byte) {
	line := string(bytes.TrimSpace(raw))
	if line == "" {
		return
	}
	lvl := slog.LevelInfo
	if w.level != nil {
		lvl = w.level(line)
	}
	args := append([]any{slog.String("line", line)}, w.attrs...)
	w.log.Log(context.Background(), lvl, w.msg, args...)
}
