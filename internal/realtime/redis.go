package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"session-service/internal/session"
)

// DefaultChannel is the Redis pub/sub channel session events travel on.
const DefaultChannel = "session-events"

// RedisBridge shares session rooms between service instances. Publish sends
// an event to Redis; Run relays every event received from Redis into the
// local hub, including the ones this instance published.
type RedisBridge struct {
	rdb     *redis.Client
	hub     *Hub
	channel string
	logger  *slog.Logger
	ready   chan struct{}
}

func NewRedisBridge(rdb *redis.Client, hub *Hub, channel string, logger *slog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{
		rdb:     rdb,
		hub:     hub,
		channel: channel,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Publish implements session.Publisher.
func (b *RedisBridge) Publish(ctx context.Context, ev session.Event) error {
	env, err := newEnvelope(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed by Redis.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Run subscribes to the channel and forwards messages to the hub until ctx
// is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	close(b.ready)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.SessionID == "" {
				b.logger.Warn("session-service: dropping malformed redis event", slog.Any("error", err))
				continue
			}
			if err := b.hub.deliver(ctx, env); err != nil {
				return nil
			}
		}
	}
}

// presenceTTL bounds how long counts of a crashed instance can hold a user
// in a session. Every Add refreshes it.
const presenceTTL = 12 * time.Hour

// RedisConnCounter keeps one hash per (session, user) with a field per
// instance, so instances only ever touch their own count.
type RedisConnCounter struct {
	rdb      *redis.Client
	instance string
}

func NewRedisConnCounter(rdb *redis.Client, instance string) *RedisConnCounter {
	return &RedisConnCounter{rdb: rdb, instance: instance}
}

func (c *RedisConnCounter) key(sessionID, userID string) string {
	return "session-presence:" + sessionID + ":" + userID
}

// Add implements ConnCounter.
func (c *RedisConnCounter) Add(ctx context.Context, sessionID, userID string, delta int) error {
	key := c.key(sessionID, userID)
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, c.instance, int64(delta))
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis presence: %w", err)
	}
	return nil
}

// Total implements ConnCounter.
func (c *RedisConnCounter) Total(ctx context.Context, sessionID, userID string) (int, error) {
	vals, err := c.rdb.HVals(ctx, c.key(sessionID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis presence: %w", err)
	}
	total := 0
	for _, v := range vals {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			total += n
		}
	}
	return total, nil
}
