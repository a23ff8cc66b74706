package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nareix/joy4/av"
	"golang.org/x/sync/errgroup"

	"live-ingest/internal/delivery"
	"live-ingest/internal/events"
	"live-ingest/internal/fanout"
	"live-ingest/internal/ingest"
	"live-ingest/internal/live"
	"live-ingest/internal/origin"
	"live-ingest/internal/platform/config"
	"live-ingest/internal/platform/logger"
	"live-ingest/internal/platform/metrics"
	"live-ingest/internal/streamkey"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	httpPort := config.GetEnvInt("HTTP_PORT", 8000)
	rtmpPort := config.GetEnvInt("RTMP_PORT", 1935)
	publicHost := config.GetEnv("PUBLIC_HOST", "localhost")
	app := config.GetEnv("RTMP_APP", "live")
	mediaRoot := config.GetEnv("MEDIA_ROOT", "./media")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	targets, err := fanout.ParseTargets(config.GetEnvList("FANOUT_TARGETS", []string{"flv", "hls", "dash"}))
	if err != nil {
		log.Error("invalid FANOUT_TARGETS", slog.String("error", err.Error()))
		os.Exit(1)
	}
	relayURL := config.GetEnv("WEBRTC_RELAY_URL", "")
	if relayURL != "" && !hasTarget(targets, fanout.TargetRelay) {
		targets = append(targets, fanout.TargetRelay)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	recorder := events.NewRecorder(events.DefaultRecorderSize)
	sinks := events.Multi{events.LogSink{Log: log}, recorder}
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		client, err := events.DialRedis(ctx, addr, config.GetEnv("REDIS_PASSWORD", ""), config.GetEnvInt("REDIS_DB", 0))
		if err != nil {
			log.Warn("redis unavailable, events stay local",
				slog.String("addr", addr),
				slog.String("error", err.Error()))
		} else {
			defer client.Close()
			sinks = append(sinks, events.NewRedisSink(client, config.GetEnv("REDIS_EVENTS_CHANNEL", events.DefaultRedisChannel), log))
		}
	}

	permissive := config.GetEnvBool("ALLOW_ANY_STREAM_KEY", false)
	if permissive {
		log.Warn("ALLOW_ANY_STREAM_KEY is on: any non-empty stream key may publish")
	}
	keys := streamkey.NewRegistry(
		streamkey.IngestURL{Host: publicHost, Port: rtmpPort, App: app},
		streamkey.WithPermissive(permissive),
	)

	// GOP_CACHE_COUNT sets how many GOPs stay buffered per stream. Viewers
	// always join at the latest keyframe.
	hub := live.NewHub(config.GetEnvInt("GOP_CACHE_COUNT", live.DefaultGopCount))

	planOpts := fanout.DefaultPlanOptions()
	planOpts.HLSSegmentSeconds = config.GetEnvInt("HLS_SEGMENT_SECONDS", planOpts.HLSSegmentSeconds)
	planOpts.HLSListSize = config.GetEnvInt("HLS_LIST_SIZE", planOpts.HLSListSize)
	planOpts.RelayURL = relayURL

	launcher := &fanout.FFmpegLauncher{
		Binary: config.GetEnv("FFMPEG_PATH", "ffmpeg"),
		Source: func(path string) (av.Demuxer, bool) {
			st, ok := hub.Get(path)
			if !ok {
				return nil, false
			}
			return st.Cursor(), true
		},
		Log: log,
	}
	fan := fanout.NewController(fanout.Config{
		Root:          mediaRoot,
		MaxRestarts:   config.GetEnvInt("FANOUT_MAX_RESTARTS", fanout.DefaultMaxRestarts),
		RestartWindow: config.GetEnvDuration("FANOUT_RESTART_WINDOW", fanout.DefaultRestartWindow),
		RestartDelay:  config.GetEnvDuration("FANOUT_RESTART_DELAY", fanout.DefaultRestartDelay),
		Plan:          planOpts,
	}, launcher, log,
		fanout.WithMetrics(met),
		fanout.WithEvents(sinks),
		fanout.WithLiveness(func(path string) bool {
			_, ok := hub.Get(path)
			return ok
		}))

	mgr := ingest.NewManager(keys, hub, fan, log,
		ingest.WithTargets(targets),
		ingest.WithMetrics(met),
		ingest.WithEvents(sinks))
	keys.OnInvalidate(func(token string) {
		mgr.Terminate(token, "stream key invalidated")
	})

	rtmpSrv := ingest.NewRTMPServer(":"+strconv.Itoa(rtmpPort), mgr, log)

	deps := delivery.Deps{
		Keys:     keys,
		Sessions: mgr,
		Hub:      hub,
		Jobs:     fan,
		Listener: rtmpSrv,
		Recorder: recorder,
		Events:   sinks,
	}
	if api := config.GetEnv("ORIGIN_API_URL", ""); api != "" {
		deps.Origin = origin.NewClient(api)
	}
	var originSup *origin.Supervisor
	if bin := config.GetEnv("ORIGIN_BINARY", ""); bin != "" {
		originSup = &origin.Supervisor{
			Binary:       bin,
			Args:         config.GetEnvList("ORIGIN_ARGS", nil),
			RestartDelay: config.GetEnvDuration("ORIGIN_RESTART_DELAY", origin.DefaultRestartDelay),
			Log:          log.With(slog.String("component", "origin")),
		}
	}

	h := delivery.NewHandler(deps, delivery.Config{
		PublicHost:   publicHost,
		HTTPPort:     httpPort,
		RTMPPort:     rtmpPort,
		App:          app,
		MediaRoot:    mediaRoot,
		Targets:      targets,
		WHEPUpstream: config.GetEnv("WHEP_UPSTREAM_URL", ""),
	}, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Handle("/metrics", met.Handler())
	h.Mount(r)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(httpPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("server starting",
		slog.Int("http_port", httpPort),
		slog.Int("rtmp_port", rtmpPort),
		slog.String("app", app),
		slog.Any("targets", targets),
		slog.String("media_root", mediaRoot),
		slog.String("log_level", logLevel))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rtmpSrv.Run(gctx)
	})
	if originSup != nil {
		g.Go(func() error {
			return originSup.Run(gctx)
		})
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := mgr.Shutdown(shutdownCtx); err != nil {
			log.Warn("sessions did not end in time", slog.String("error", err.Error()))
		}
		fan.StopAll()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func hasTarget(targets []fanout.Target, t fanout.Target) bool {
	for _, x := range targets {
		if x == t {
			return true
		}
	}
	return false
}
