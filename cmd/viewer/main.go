// Command viewer is a headless playback client. It follows the server's
// status endpoint and plays the live stream over HTTP-FLV or WHEP, logging
// every state change. It exits non-zero if playback gives up.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"live-ingest/internal/platform/config"
	"live-ingest/internal/platform/logger"
	"live-ingest/internal/playback"
)

func main() {
	_ = config.Load()

	serverURL := config.GetEnv("VIEWER_SERVER_URL", "http://localhost:8000")
	protocol := playback.Protocol(config.GetEnv("VIEWER_PROTOCOL", string(playback.ProtocolFLV)))
	log := logger.New(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "text"))

	var connector playback.Connector
	switch protocol {
	case playback.ProtocolFLV:
		connector = playback.NewFLVConnector()
	case playback.ProtocolWHEP:
		connector = playback.NewWHEPConnector(config.GetEnvList("VIEWER_ICE_SERVERS", nil)...)
	default:
		log.Error("unsupported VIEWER_PROTOCOL", slog.String("protocol", string(protocol)))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := make(chan struct{})
	player := playback.NewPlayer(playback.NewStatusClient(serverURL), connector, playback.Config{
		Protocol:     protocol,
		PollInterval: config.GetEnvDuration("VIEWER_POLL_INTERVAL", playback.DefaultPollInterval),
		OnState: func(s playback.State) {
			log.Info("player state", slog.String("state", string(s)))
			if s == playback.StateFailed {
				close(failed)
			}
		},
		OnPlaceholder: func(visible bool) {
			log.Debug("placeholder", slog.Bool("visible", visible))
		},
	}, log)

	log.Info("viewer starting", slog.String("server", serverURL), slog.String("protocol", string(protocol)))
	player.Start(ctx)

	select {
	case <-ctx.Done():
		player.Stop()
		log.Info("viewer stopped")
	case <-failed:
		player.Stop()
		log.Error("unable to connect to the stream")
		os.Exit(1)
	}
}
