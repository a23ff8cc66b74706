package origin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"live-ingest/internal/platform/logger"
)

const (
	DefaultRestartDelay = 5 * time.Second
	DefaultStopGrace    = 5 * time.Second
)

// Supervisor runs the origin binary and restarts it whenever it exits.
type Supervisor struct {
	Binary       string
	Args         []string
	RestartDelay time.Duration
	Grace        time.Duration
	Log          *slog.Logger

	running  atomic.Bool
	restarts atomic.Int64
}

// Run keeps the process alive until ctx is cancelled, then interrupts it and
// kills it after the grace period. A binary that cannot be started is retried
// on the same delay.
func (s *Supervisor) Run(ctx context.Context) error {
	delay := s.RestartDelay
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.restarts.Add(1)
		attrs := []any{slog.String("binary", s.Binary), slog.Duration("delay", delay)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		s.Log.Warn("origin exited, restarting", attrs...)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	grace := s.Grace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	stdout := logger.NewLineWriter(s.Log, "origin", outputLevel, slog.String("stream", "stdout"))
	stderr := logger.NewLineWriter(s.Log, "origin", func(string) slog.Level { return slog.LevelError }, slog.String("stream", "stderr"))

	cmd := exec.CommandContext(ctx, s.Binary, s.Args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = grace

	if err := cmd.Start(); err != nil {
		return err
	}
	s.running.Store(true)
	s.Log.Info("origin started", slog.String("binary", s.Binary), slog.Int("pid", cmd.Process.Pid))

	err := cmd.Wait()
	s.running.Store(false)
	stdout.Flush()
	stderr.Flush()
	if ctx.Err() != nil {
		s.Log.Info("origin stopped")
		return nil
	}
	if err == nil {
		return errors.New("exited")
	}
	return err
}

// Running reports whether the process is up.
func (s *Supervisor) Running() bool {
	return s.running.Load()
}

// Restarts counts exits that were followed by a relaunch.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// outputLevel maps the origin's own level tags to slog levels.
func outputLevel(line string) slog.Level {
	switch {
	case strings.Contains(line, "ERR"):
		return slog.LevelError
	case strings.Contains(line, "WAR"):
		return slog.LevelWarn
	case strings.Contains(line, "DBG"), strings.Contains(line, "DEB"):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
