package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisDialTimeout = 5 * time.Second

var errMissingRedisAddress = errors.New("notify: redis address required")

// RedisBusConfig configures the cross-instance release bus.
type RedisBusConfig struct {
	Address string
	Channel string
	Local   *LocalBus
	Logger  *zap.Logger
}

// RedisBus publishes release messages to a redis channel and forwards
// messages received on that channel to the local bus, so subscribers attached
// to any instance see releases applied by every instance.
type RedisBus struct {
	client  *goredis.Client
	channel string
	local   *LocalBus
	logger  *zap.Logger
}

// NewRedisBus connects to redis and verifies the connection.
func NewRedisBus(ctx context.Context, cfg RedisBusConfig) (*RedisBus, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errMissingRedisAddress
	}
	if cfg.Local == nil {
		return nil, errors.New("notify: local bus required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = "logbook.releases"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        address,
		DialTimeout: redisDialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{
		client:  client,
		channel: channel,
		local:   cfg.Local,
		logger:  logger,
	}, nil
}

// Publish sends the message to every instance, this one included.
func (b *RedisBus) Publish(ctx context.Context, message ReleaseMessage) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// Run forwards channel messages to the local bus until ctx ends.
func (b *RedisBus) Run(ctx context.Context) error {
	subscription := b.client.Subscribe(ctx, b.channel)
	defer subscription.Close()

	if _, err := subscription.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case received, ok := <-messages:
			if !ok {
				return nil
			}
			var message ReleaseMessage
			if err := json.Unmarshal([]byte(received.Payload), &message); err != nil {
				b.logger.Warn("discarding malformed release message", zap.Error(err))
				continue
			}
			b.local.deliver(message)
		}
	}
}

// Close releases the redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
