package fanout

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"

	"live-ingest/internal/platform/logger"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// endedStream has one audio track and no packets.
type endedStream struct {
	codec av.CodecData
}

func (s endedStream) Streams() ([]av.CodecData, error) { return []av.CodecData{s.codec}, nil }
func (endedStream) ReadPacket() (av.Packet, error) { return av.Packet{}, io.EOF }

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func launchScript(t *testing.T, body string, grace time.Duration) (*ffmpegProcess, *syncBuffer) {
	t.Helper()
	codec, err := aacparser.NewCodecDataFromMPEG4AudioConfig(aacparser.MPEG4AudioConfig{
		ObjectType:      aacparser.AOT_AAC_LC,
		SampleRateIndex: 4,
		ChannelConfig:   2,
	})
	if err != nil {
		t.Fatal(err)
	}
	logs := &syncBuffer{}
	l := &FFmpegLauncher{
		Binary: writeScript(t, body),
		Source: func(string) (av.Demuxer, bool) { return endedStream{codec}, true },
		Grace:  grace,
		Log:    logger.NewWriter(logs, "debug", "json"),
	}
	proc, err := l.Launch(Plan{Path: "live/k", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := proc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return proc.(*ffmpegProcess), logs
}

func waitExit(t *testing.T, proc *ffmpegProcess) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- proc.Wait() }()
	return errc
}

func TestFFmpegLauncher_UnknownStream(t *testing.T) {
	l := &FFmpegLauncher{
		Source: func(string) (av.Demuxer, bool) { return nil, false },
		Log:    logger.Discard(),
	}
	if _, err := l.Launch(Plan{Path: "live/missing"}); err == nil {
		t.Error("expected error for a path with no stream")
	}
}

func TestFFmpegProcess_LogsOutput(t *testing.T) {
	proc, logs := launchScript(t, `cat >/dev/null
printf 'first line\nsplit ' >&2
printf 'line\n' >&2
printf 'no newline' >&2
exit 0`, time.Second)

	if err := <-waitExit(t, proc); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if proc.Running() {
		t.Error("still running after exit")
	}
	out := logs.String()
	for _, want := range []string{`"line":"first line"`, `"line":"split line"`, `"line":"no newline"`, `"stream":"stderr"`, `"path":"live/k"`} {
		if !strings.Contains(out, want) {
			t.Errorf("logs missing %s:\n%s", want, out)
		}
	}
}

func TestFFmpegProcess_StopInterrupts(t *testing.T) {
	proc, logs := launchScript(t, `trap 'echo interrupted >&2; exit 0' INT
echo ready >&2
while :; do sleep 0.05; done`, 5*time.Second)
	errc := waitExit(t, proc)

	waitFor(t, "script ready", func() bool { return strings.Contains(logs.String(), `"line":"ready"`) })

	start := time.Now()
	if err := proc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errc; err != nil {
		t.Errorf("Wait after interrupt: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stop took %v, interrupt was not delivered", elapsed)
	}
	if !strings.Contains(logs.String(), `"line":"interrupted"`) {
		t.Errorf("process did not see SIGINT:\n%s", logs.String())
	}
}

func TestFFmpegProcess_StopKillsAfterGrace(t *testing.T) {
	proc, logs := launchScript(t, `trap '' INT
echo ready >&2
while :; do sleep 0.05; done`, 200*time.Millisecond)
	errc := waitExit(t, proc)

	waitFor(t, "script ready", func() bool { return strings.Contains(logs.String(), `"line":"ready"`) })

	if err := proc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Error("expected a kill exit status")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("process survived the kill")
	}
	if !strings.Contains(logs.String(), "transcoder ignored interrupt") {
		t.Errorf("kill was not logged:\n%s", logs.String())
	}
}

func TestFFmpegProcess_StopAfterExit(t *testing.T) {
	proc, _ := launchScript(t, `cat >/dev/null; exit 0`, time.Second)
	<-waitExit(t, proc)
	if err := proc.Stop(); err != nil {
		t.Errorf("Stop after exit: %v", err)
	}
}
