package fanout

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Target is one derived output of a live stream.
type Target string

const (
	TargetFLV   Target = "flv"
	TargetHLS   Target = "hls"
	TargetDASH  Target = "dash"
	TargetRelay Target = "relay"
)

// Manifest names inside a stream's artifact directory.
const (
	HLSPlaylist  = "index.m3u8"
	DASHManifest = "index.mpd"
)

var (
	ErrUnknownTarget = errors.New("unknown fan-out target")
	ErrInvalidPath   = errors.New("invalid stream path")
	ErrRelayDisabled = errors.New("relay target needs a relay url")
)

// ParseTargets converts configuration strings to targets, dropping
// duplicates.
func ParseTargets(names []string) ([]Target, error) {
	seen := make(map[Target]bool, len(names))
	out := make([]Target, 0, len(names))
	for _, n := range names {
		t := Target(strings.ToLower(strings.TrimSpace(n)))
		switch t {
		case TargetFLV, TargetHLS, TargetDASH, TargetRelay:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, n)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// PlanOptions tunes the ffmpeg outputs.
type PlanOptions struct {
	HLSSegmentSeconds int
	HLSListSize       int
	DASHWindowSize    int
	DASHExtraWindow   int
	// RelayURL is the base ingest URL of the WebRTC origin, e.g.
	// rtmp://mediamtx:1935. Empty disables the relay target.
	RelayURL string
}

// DefaultPlanOptions mirrors the segmenting used by the player side:
// 2s HLS segments, 3 in the playlist, DASH window 3 plus 5 extra.
func DefaultPlanOptions() PlanOptions {
	return PlanOptions{
		HLSSegmentSeconds: 2,
		HLSListSize:       3,
		DASHWindowSize:    3,
		DASHExtraWindow:   5,
	}
}

// Plan is everything needed to run the transcoder for one stream.
type Plan struct {
	Path      string
	Targets   []Target
	OutputDir string
	Args      []string
	// Manifests lists files under OutputDir that players request first.
	Manifests []string
}

// NeedsProcess reports whether any target requires ffmpeg.
func (p Plan) NeedsProcess() bool {
	return len(p.Args) > 0
}

// ArtifactDir returns <root>/<app>/<token> for a stream path, refusing
// anything that would escape root.
func ArtifactDir(root, path string) (string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(absRoot, filepath.Join(parts...))
	rel, err := filepath.Rel(absRoot, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return dir, nil
}

// BuildPlan assembles the ffmpeg arguments for targets. The input is an FLV
// byte stream on stdin. flv is served from memory and adds no output.
func BuildPlan(root, path string, targets []Target, opts PlanOptions) (Plan, error) {
	dir, err := ArtifactDir(root, path)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Path: path, Targets: targets, OutputDir: dir}

	var outputs []string
	for _, t := range targets {
		switch t {
		case TargetFLV:
		case TargetHLS:
			outputs = append(outputs,
				"-map", "0", "-c", "copy",
				"-f", "hls",
				"-hls_time", strconv.Itoa(opts.HLSSegmentSeconds),
				"-hls_list_size", strconv.Itoa(opts.HLSListSize),
				"-hls_flags", "delete_segments",
				"-hls_segment_filename", filepath.Join(dir, "index%d.ts"),
				filepath.Join(dir, HLSPlaylist),
			)
			plan.Manifests = append(plan.Manifests, HLSPlaylist)
		case TargetDASH:
			outputs = append(outputs,
				"-map", "0", "-c", "copy",
				"-f", "dash",
				"-window_size", strconv.Itoa(opts.DASHWindowSize),
				"-extra_window_size", strconv.Itoa(opts.DASHExtraWindow),
				"-remove_at_exit", "1",
				filepath.Join(dir, DASHManifest),
			)
			plan.Manifests = append(plan.Manifests, DASHManifest)
		case TargetRelay:
			if opts.RelayURL == "" {
				return Plan{}, ErrRelayDisabled
			}
			outputs = append(outputs,
				"-map", "0", "-c", "copy",
				"-f", "flv",
				strings.TrimRight(opts.RelayURL, "/")+"/"+strings.Trim(path, "/"),
			)
		default:
			return Plan{}, fmt.Errorf("%w: %q", ErrUnknownTarget, t)
		}
	}
	if len(outputs) == 0 {
		return plan, nil
	}

	plan.Args = append([]string{
		"-hide_banner",
		"-loglevel", "warning",
		"-fflags", "nobuffer",
		"-f", "flv",
		"-i", "pipe:0",
	}, outputs...)
	return plan, nil
}
