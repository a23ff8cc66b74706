package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel events are published on.
const DefaultRedisChannel = "ingest:events"

const redisPublishTimeout = 2 * time.Second

// Publisher is the slice of the go-redis client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events as JSON on a Redis channel so dashboards outside
// the process can follow ingest activity. Failures are logged and dropped.
type RedisSink struct {
	client  Publisher
	channel string
	log     *slog.Logger
}

// NewRedisSink wraps an existing client. An empty channel uses
// DefaultRedisChannel.
func NewRedisSink(client Publisher, channel string, log *slog.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel, log: log}
}

// DialRedis builds a go-redis client for addr and checks it with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (s *RedisSink) Emit(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encode event", slog.String("error", err.Error()))
		return
	}
	// detached from the caller so a cancelled request does not drop the event
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisPublishTimeout)
	defer cancel()
	if err := s.client.Publish(pubCtx, s.channel, payload).Err(); err != nil {
		s.log.Warn("publish event to redis",
			slog.String("channel", s.channel),
			slog.String("event", string(ev.Kind)),
			slog.String("error", err.Error()))
	}
}
