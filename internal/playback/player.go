// Package playback is a headless live-stream client. It polls the server's
// status, connects over HTTP-FLV or WHEP once the stream is live, and
// reconnects with classified backoff: not-ready responses retry on a fixed
// interval, real playback errors back off exponentially and give up after
// MaxPlaybackErrors consecutive failures.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Protocol selects the transport used to play the stream.
type Protocol string

const (
	ProtocolFLV  Protocol = "flv"
	ProtocolWHEP Protocol = "whep"
)

// State is the player's connection state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StatePlaying    State = "playing"
	StateRetrying   State = "retrying"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

const (
	MaxPlaybackErrors    = 30
	DefaultPollInterval  = 2 * time.Second
	DefaultNotReadyDelay = 2 * time.Second
	DefaultBaseBackoff   = time.Second
	DefaultMaxBackoff    = 30 * time.Second
)

// MediaInfo describes the tracks found when a connection starts.
type MediaInfo struct {
	Tracks []string
}

// Handlers are the callbacks a connector fires for one session.
type Handlers struct {
	OnMedia func(MediaInfo)
	OnError func(error)
	OnEnd   func()
}

// Session is one live connection.
type Session interface {
	Play() error
	Close() error
}

// Connector opens sessions for a protocol.
type Connector interface {
	Connect(ctx context.Context, url string, h Handlers) (Session, error)
}

// Status is what the player needs from the server's status endpoint.
type Status struct {
	Active  bool
	FLVURL  string
	WHEPURL string
}

// StatusSource reports whether a stream is live.
type StatusSource interface {
	Status(ctx context.Context) (Status, error)
}

// Config tunes retry behaviour and observation hooks.
type Config struct {
	Protocol      Protocol
	PollInterval  time.Duration
	NotReadyDelay time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	MaxErrors     int

	// OnState is called after every state change.
	OnState func(State)
	// OnPlaceholder is called with false when media starts and true when
	// the stream goes away.
	OnPlaceholder func(visible bool)
}

func (c *Config) defaults() {
	if c.Protocol == "" {
		c.Protocol = ProtocolFLV
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.NotReadyDelay <= 0 {
		c.NotReadyDelay = DefaultNotReadyDelay
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = MaxPlaybackErrors
	}
}

// Player drives one viewer through the connection state machine. At most one
// timer is pending at any time, and callbacks from a disposed session are
// dropped by generation.
type Player struct {
	mu        sync.Mutex
	cfg       Config
	status    StatusSource
	connector Connector
	clock     Clock
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state       State
	errors      int
	gen         uint64
	timer       Timer
	session     Session
	url         string
	pendingPlay bool
	notes       []func()
}

// Option customises a Player.
type Option func(*Player)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(p *Player) { p.clock = c } }

// NewPlayer returns an idle player. Call Start to begin polling.
func NewPlayer(status StatusSource, connector Connector, cfg Config, log *slog.Logger, opts ...Option) *Player {
	cfg.defaults()
	p := &Player{
		cfg:       cfg,
		status:    status,
		connector: connector,
		clock:     realClock{},
		log:       log,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling. It returns immediately.
func (p *Player) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.gen++
	p.errors = 0
	p.setStateLocked(StateIdle)
	p.armLocked(0, p.poll)
	p.unlockAndNotify()
}

// Stop tears the player down from any state. Pending timers are cleared and
// the live session, if any, is closed.
func (p *Player) Stop() {
	p.mu.Lock()
	p.gen++
	p.clearTimerLocked()
	sess := p.session
	p.session = nil
	p.pendingPlay = false
	if p.cancel != nil {
		p.cancel()
	}
	p.setStateLocked(StateStopped)
	p.unlockAndNotify()

	if sess != nil {
		sess.Close()
	}
}

// Interact starts output that was held back by ErrAutoplayBlocked.
func (p *Player) Interact() {
	p.mu.Lock()
	if !p.pendingPlay || p.session == nil || p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	p.pendingPlay = false
	sess := p.session
	p.mu.Unlock()

	if err := sess.Play(); err != nil {
		p.log.Warn("play after interaction", slog.String("error", err.Error()))
	}
}

// State returns the current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Errors returns the consecutive playback error count.
func (p *Player) Errors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errors
}

// PlayPending reports whether playback waits for Interact.
func (p *Player) PlayPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingPlay
}

func (p *Player) poll(g uint64) {
	p.mu.Lock()
	if g != p.gen || p.state != StateIdle {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.mu.Unlock()

	st, err := p.status.Status(ctx)

	p.mu.Lock()
	if g != p.gen || p.state != StateIdle {
		p.mu.Unlock()
		return
	}
	url := p.urlFor(st)
	if err != nil || !st.Active || url == "" {
		if err != nil {
			p.log.Debug("status poll failed", slog.String("error", err.Error()))
		}
		p.armLocked(p.cfg.PollInterval, p.poll)
		p.unlockAndNotify()
		return
	}
	p.url = url
	p.connectLocked()
}

func (p *Player) urlFor(st Status) string {
	if p.cfg.Protocol == ProtocolWHEP {
		return st.WHEPURL
	}
	return st.FLVURL
}

// connectLocked is entered with p.mu held and releases it.
func (p *Player) connectLocked() {
	p.clearTimerLocked()
	p.gen++
	g := p.gen
	url, ctx := p.url, p.ctx
	p.setStateLocked(StateConnecting)
	p.unlockAndNotify()

	p.log.Debug("connecting", slog.String("url", url), slog.String("protocol", string(p.cfg.Protocol)))
	sess, err := p.connector.Connect(ctx, url, Handlers{
		OnMedia: func(info MediaInfo) { p.onMedia(g, info) },
		OnError: func(err error) { p.onFailure(g, err) },
		OnEnd:   func() { p.onEnd(g) },
	})
	if err != nil {
		p.onFailure(g, err)
		return
	}
	p.attach(g, sess)
}

// attach stores sess unless the attempt was superseded while connecting.
func (p *Player) attach(g uint64, sess Session) {
	p.mu.Lock()
	if g != p.gen {
		p.mu.Unlock()
		sess.Close()
		return
	}
	p.session = sess
	startNow := p.state == StatePlaying
	p.mu.Unlock()

	if startNow {
		p.play(g, sess)
	}
}

func (p *Player) onMedia(g uint64, info MediaInfo) {
	p.mu.Lock()
	if g != p.gen || p.state != StateConnecting {
		p.mu.Unlock()
		return
	}
	p.errors = 0
	p.setStateLocked(StatePlaying)
	p.placeholderLocked(false)
	sess := p.session
	p.unlockAndNotify()

	p.log.Info("playback started", slog.Any("tracks", info.Tracks))
	if sess != nil {
		p.play(g, sess)
	}
}

// play starts output. Autoplay refusal is deferred to Interact; other
// failures are logged and playback continues.
func (p *Player) play(g uint64, sess Session) {
	err := sess.Play()
	if err == nil {
		return
	}
	if errors.Is(err, ErrAutoplayBlocked) {
		p.mu.Lock()
		if g == p.gen {
			p.pendingPlay = true
		}
		p.mu.Unlock()
		p.log.Info("autoplay blocked, waiting for interaction")
		return
	}
	p.log.Warn("play failed", slog.String("error", err.Error()))
}

func (p *Player) onFailure(g uint64, err error) {
	p.mu.Lock()
	if g != p.gen || (p.state != StateConnecting && p.state != StatePlaying) {
		p.mu.Unlock()
		return
	}
	p.gen++
	sess := p.session
	p.session = nil
	p.pendingPlay = false
	p.placeholderLocked(true)

	if IsNotReady(err) {
		p.setStateLocked(StateRetrying)
		p.armLocked(p.cfg.NotReadyDelay, p.reconnect)
		p.unlockAndNotify()
		p.log.Debug("stream not ready, retrying",
			slog.String("error", err.Error()),
			slog.Duration("delay", p.cfg.NotReadyDelay))
		closeSession(sess)
		return
	}

	p.errors++
	n := p.errors
	if n >= p.cfg.MaxErrors {
		p.clearTimerLocked()
		p.setStateLocked(StateFailed)
		p.unlockAndNotify()
		p.log.Error("unable to connect, giving up",
			slog.Int("errors", n),
			slog.String("error", err.Error()))
		closeSession(sess)
		return
	}

	delay := Backoff(n, p.cfg.BaseBackoff, p.cfg.MaxBackoff)
	p.setStateLocked(StateRetrying)
	p.armLocked(delay, p.reconnect)
	p.unlockAndNotify()
	p.log.Warn("playback error, retrying",
		slog.Int("errors", n),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()))
	closeSession(sess)
}

func (p *Player) onEnd(g uint64) {
	p.mu.Lock()
	if g != p.gen {
		p.mu.Unlock()
		return
	}
	if p.state == StateConnecting {
		p.mu.Unlock()
		p.onFailure(g, &NotReadyError{Reason: "stream ended before media"})
		return
	}
	if p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	p.gen++
	sess := p.session
	p.session = nil
	p.pendingPlay = false
	p.placeholderLocked(true)
	p.setStateLocked(StateIdle)
	p.armLocked(p.cfg.PollInterval, p.poll)
	p.unlockAndNotify()

	p.log.Info("stream ended, waiting for the next broadcast")
	closeSession(sess)
}

func (p *Player) reconnect(g uint64) {
	p.mu.Lock()
	if g != p.gen || p.state != StateRetrying {
		p.mu.Unlock()
		return
	}
	p.connectLocked()
}

// armLocked replaces the pending timer. The callback receives the
// generation current at arming time.
func (p *Player) armLocked(d time.Duration, fn func(uint64)) {
	p.clearTimerLocked()
	g := p.gen
	p.timer = p.clock.AfterFunc(d, func() { fn(g) })
}

func (p *Player) clearTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Player) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.state = s
	if p.cfg.OnState != nil {
		fn := p.cfg.OnState
		p.notes = append(p.notes, func() { fn(s) })
	}
}

func (p *Player) placeholderLocked(visible bool) {
	if p.cfg.OnPlaceholder != nil {
		fn := p.cfg.OnPlaceholder
		p.notes = append(p.notes, func() { fn(visible) })
	}
}

// unlockAndNotify releases p.mu and then runs queued observer callbacks.
func (p *Player) unlockAndNotify() {
	notes := p.notes
	p.notes = nil
	p.mu.Unlock()
	for _, fn := range notes {
		fn()
	}
}

func closeSession(s Session) {
	if s != nil {
		s.Close()
	}
}
