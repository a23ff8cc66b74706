package fanout

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/av/avutil"
	"github.com/nareix/joy4/format/flv"

	"live-ingest/internal/platform/logger"
)

// DefaultStopGrace is how long ffmpeg gets to finalise manifests after
// SIGINT before it is killed.
const DefaultStopGrace = 5 * time.Second

// Source hands out a fresh reader of the live stream at path.
type Source func(path string) (av.Demuxer, bool)

// FFmpegLauncher runs the ffmpeg binary and feeds it FLV on stdin.
type FFmpegLauncher struct {
	Binary string
	Source Source
	Grace  time.Duration
	Log    *slog.Logger
}

// Launch prepares, but does not start, a process for plan.
func (l *FFmpegLauncher) Launch(plan Plan) (Process, error) {
	src, ok := l.Source(plan.Path)
	if !ok {
		return nil, fmt.Errorf("no live stream at %q", plan.Path)
	}
	bin := l.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	grace := l.Grace
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	stdout := logger.NewLineWriter(l.Log, "ffmpeg", nil, slog.String("path", plan.Path), slog.String("stream", "stdout"))
	stderr := logger.NewLineWriter(l.Log, "ffmpeg", nil, slog.String("path", plan.Path), slog.String("stream", "stderr"))
	cmd := exec.Command(bin, plan.Args...)
	cmd.Dir = plan.OutputDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	return &ffmpegProcess{
		cmd:    cmd,
		output: []*logger.LineWriter{stdout, stderr},
		src:    src,
		grace:  grace,
		log:    l.Log,
		path:   plan.Path,
		exited: make(chan struct{}),
	}, nil
}

type ffmpegProcess struct {
	cmd     *exec.Cmd
	output  []*logger.LineWriter
	src     av.Demuxer
	grace   time.Duration
	log     *slog.Logger
	path    string
	running atomic.Bool
	exited  chan struct{}
}

func (p *ffmpegProcess) Start() error {
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := p.cmd.Start(); err != nil {
		return err
	}
	p.running.Store(true)
	p.log.Info("transcoder started",
		slog.String("path", p.path),
		slog.Int("pid", p.cmd.Process.Pid))

	go p.feed(stdin)
	return nil
}

// feed muxes the live stream to ffmpeg's stdin until the stream ends or the
// pipe breaks. Closing stdin lets ffmpeg flush and exit cleanly.
func (p *ffmpegProcess) feed(stdin io.WriteCloser) {
	defer stdin.Close()
	mux := flv.NewMuxerWriteFlusher(directWriter{stdin})
	if err := avutil.CopyFile(mux, p.src); err != nil && !errors.Is(err, io.EOF) {
		p.log.Debug("transcoder feed ended",
			slog.String("path", p.path),
			slog.String("error", err.Error()))
	}
}

func (p *ffmpegProcess) Wait() error {
	err := p.cmd.Wait()
	for _, w := range p.output {
		w.Flush()
	}
	p.running.Store(false)
	close(p.exited)
	return err
}

// Stop asks ffmpeg to finish with SIGINT and kills it after the grace
// period.
func (p *ffmpegProcess) Stop() error {
	if p.cmd.Process == nil || !p.running.Load() {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return p.cmd.Process.Kill()
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(p.grace):
		p.log.Warn("transcoder ignored interrupt, killing", slog.String("path", p.path))
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	}
}

func (p *ffmpegProcess) Running() bool {
	return p.running.Load()
}

// directWriter gives an unbuffered writer the Flush method the FLV muxer
// expects.
type directWriter struct {
	io.Writer
}

func (directWriter) Flush() error { return nil }
