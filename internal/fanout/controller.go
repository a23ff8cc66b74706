// Package fanout runs the external transcoder that turns a live stream into
// HLS, DASH and relay outputs, restarting it within a bounded budget and
// cleaning its artifacts when the stream ends.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"live-ingest/internal/events"
	"live-ingest/internal/platform/metrics"
)

// ErrJobExists is returned by Start when the path already has a job.
var ErrJobExists = errors.New("fan-out job already running")

// errExitedWhileLive marks a clean exit while the stream was still publishing.
var errExitedWhileLive = errors.New("exited while stream is live")

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobRunning     JobState = "running"
	JobPassthrough JobState = "passthrough"
	JobFailed      JobState = "failed"
	JobStopped     JobState = "stopped"
)

// Job is a snapshot of one stream's fan-out.
type Job struct {
	Path      string    `json:"path"`
	Targets   []Target  `json:"targets"`
	Restarts  int       `json:"restarts"`
	State     JobState  `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	LastExit  string    `json:"lastExit,omitempty"`
}

// Process is one running transcoder.
type Process interface {
	Start() error
	Wait() error
	Stop() error
	Running() bool
}

// Launcher builds a Process for a plan.
type Launcher interface {
	Launch(plan Plan) (Process, error)
}

// Config bounds supervision and names the artifact root.
type Config struct {
	Root          string
	MaxRestarts   int
	RestartWindow time.Duration
	RestartDelay  time.Duration
	Plan          PlanOptions
}

const (
	DefaultMaxRestarts   = 3
	DefaultRestartWindow = time.Minute
	DefaultRestartDelay  = time.Second
)

type job struct {
	Job
	plan     Plan
	proc     Process
	stopping bool
	cancel   chan struct{}
	done     chan struct{}
	history  []time.Time
}

// Controller owns every fan-out job.
type Controller struct {
	mu       sync.Mutex
	jobs     map[string]*job
	cfg      Config
	launcher Launcher

	log     *slog.Logger
	metrics *metrics.Metrics
	events  events.Sink
	live    func(path string) bool
	now     func() time.Time
}

// Option customises a Controller.
type Option func(*Controller)

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithEvents(sink events.Sink) Option { return func(c *Controller) { c.events = sink } }

// WithLiveness reports whether path is still publishing. A clean process exit
// on a live path is restarted like a crash. Without it every clean exit ends
// the job.
func WithLiveness(live func(path string) bool) Option {
	return func(c *Controller) { c.live = live }
}

// NewController returns a controller that launches processes with launcher.
func NewController(cfg Config, launcher Launcher, log *slog.Logger, opts ...Option) *Controller {
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = DefaultRestartWindow
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	c := &Controller{
		jobs:     make(map[string]*job),
		cfg:      cfg,
		launcher: launcher,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Root is the artifact directory all jobs write under.
func (c *Controller) Root() string {
	return c.cfg.Root
}

// Start creates the job for path. It returns once the job is registered;
// the first launch happens on the supervisor goroutine.
func (c *Controller) Start(path string, targets []Target) error {
	plan, err := BuildPlan(c.cfg.Root, path, targets, c.cfg.Plan)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.jobs[path]; exists {
		return ErrJobExists
	}

	j := &job{
		Job: Job{
			Path:      path,
			Targets:   append([]Target(nil), targets...),
			StartedAt: c.now().UTC(),
		},
		plan:   plan,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	if !plan.NeedsProcess() {
		j.State = JobPassthrough
		close(j.done)
		c.jobs[path] = j
		return nil
	}

	if err := os.MkdirAll(plan.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	j.State = JobRunning
	c.jobs[path] = j
	go c.supervise(j)

	events.Emit(context.Background(), c.events, events.Event{
		Kind:   events.FanoutStarted,
		Path:   path,
		Detail: fmt.Sprint(targets),
	})
	return nil
}

func (c *Controller) supervise(j *job) {
	defer close(j.done)

	for {
		err := c.runOnce(j)

		c.mu.Lock()
		if j.stopping {
			c.mu.Unlock()
			return
		}
		j.proc = nil
		if err == nil {
			if c.live == nil || !c.live(j.Path) {
				j.State = JobStopped
				j.LastExit = "input ended"
				c.mu.Unlock()
				c.log.Info("transcoder finished", slog.String("path", j.Path))
				return
			}
			err = errExitedWhileLive
		}
		j.LastExit = err.Error()
		if !c.allowRestartLocked(j) {
			j.State = JobFailed
			restarts := j.Restarts
			c.mu.Unlock()

			c.metrics.FanoutFailed()
			events.Emit(context.Background(), c.events, events.Event{
				Kind:   events.FanoutFailed,
				Path:   j.Path,
				Reason: err.Error(),
			})
			c.log.Error("transcoder gave up",
				slog.String("path", j.Path),
				slog.Int("restarts", restarts),
				slog.String("error", err.Error()))
			return
		}
		j.Restarts++
		restarts := j.Restarts
		c.mu.Unlock()

		c.metrics.FanoutRestarted()
		events.Emit(context.Background(), c.events, events.Event{
			Kind:   events.FanoutRestarted,
			Path:   j.Path,
			Reason: err.Error(),
		})
		c.log.Warn("transcoder exited, restarting",
			slog.String("path", j.Path),
			slog.Int("restart", restarts),
			slog.Duration("delay", c.cfg.RestartDelay),
			slog.String("error", err.Error()))

		select {
		case <-j.cancel:
			return
		case <-time.After(c.cfg.RestartDelay):
		}
	}
}

// runOnce launches the process and waits for it. A launch or start failure
// counts as an exit.
func (c *Controller) runOnce(j *job) error {
	proc, err := c.launcher.Launch(j.plan)
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}

	c.mu.Lock()
	if j.stopping {
		c.mu.Unlock()
		return nil
	}
	if err := proc.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("start: %w", err)
	}
	j.proc = proc
	c.mu.Unlock()

	return proc.Wait()
}

// allowRestartLocked applies the sliding window budget.
func (c *Controller) allowRestartLocked(j *job) bool {
	now := c.now()
	cutoff := now.Add(-c.cfg.RestartWindow)
	kept := j.history[:0]
	for _, t := range j.history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	j.history = kept
	if len(j.history) >= c.cfg.MaxRestarts {
		return false
	}
	j.history = append(j.history, now)
	return true
}

// Stop ends the job for path, waits for its supervisor and deletes its
// artifacts. Stopping an unknown path is a no-op.
func (c *Controller) Stop(path string) error {
	c.mu.Lock()
	j, ok := c.jobs[path]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.jobs, path)
	j.stopping = true
	close(j.cancel)
	proc := j.proc
	c.mu.Unlock()

	var stopErr error
	if proc != nil {
		stopErr = proc.Stop()
	}
	<-j.done

	if j.plan.NeedsProcess() {
		if err := os.RemoveAll(j.plan.OutputDir); err != nil {
			stopErr = errors.Join(stopErr, fmt.Errorf("remove artifacts: %w", err))
		}
		events.Emit(context.Background(), c.events, events.Event{
			Kind: events.FanoutStopped,
			Path: path,
		})
	}
	c.log.Info("fan-out stopped", slog.String("path", path))
	return stopErr
}

// StopAll stops every job.
func (c *Controller) StopAll() {
	c.mu.Lock()
	paths := make([]string, 0, len(c.jobs))
	for p := range c.jobs {
		paths = append(paths, p)
	}
	c.mu.Unlock()

	for _, p := range paths {
		if err := c.Stop(p); err != nil {
			c.log.Warn("stop fan-out", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

// Get returns the job for path.
func (c *Controller) Get(path string) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[path]
	if !ok {
		return Job{}, false
	}
	return j.Job, true
}

// Jobs returns a snapshot of every job sorted by path.
func (c *Controller) Jobs() []Job {
	c.mu.Lock()
	out := make([]Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j.Job)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Path < out[k].Path })
	return out
}
