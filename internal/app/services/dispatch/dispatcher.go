// Package dispatch hands newly pending messages to relayers. Dispatch runs
// after the message is committed and is best effort: relayers that miss a
// hand-off still find the message by polling the pending list.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

// Dispatcher delivers a pending message to relayers.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg relay.Message) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg relay.Message) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg relay.Message) error {
	return f(ctx, msg)
}

// Noop discards every message; relayers rely on polling alone.
type Noop struct{}

func (Noop) Dispatch(context.Context, relay.Message) error { return nil }

// StreamConfig configures the Redis stream dispatcher.
type StreamConfig struct {
	Prefix  string
	MaxLen  int64
	Timeout time.Duration
}

// StreamDispatcher appends each pending message to the Redis stream of its
// destination domain, e.g. relay:domain:42161.
type StreamDispatcher struct {
	client redis.Cmdable
	cfg    StreamConfig
	log    *logger.Logger
}

// NewStreamDispatcher wraps a Redis client.
func NewStreamDispatcher(client redis.Cmdable, cfg StreamConfig, log *logger.Logger) *StreamDispatcher {
	if log == nil {
		log = logger.NewDefault("dispatch")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "relay:domain:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &StreamDispatcher{client: client, cfg: cfg, log: log}
}

// Stream returns the stream key for a domain.
func (d *StreamDispatcher) Stream(domainID uint64) string {
	return d.cfg.Prefix + strconv.FormatUint(domainID, 10)
}

// Dispatch appends the message envelope. The payload itself is not copied;
// relayers fetch it by id.
func (d *StreamDispatcher) Dispatch(ctx context.Context, msg relay.Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: d.Stream(msg.DestinationDomainID),
		Values: map[string]interface{}{
			"message_id":   msg.ID,
			"sender":       msg.Sender,
			"channel":      string(msg.Channel),
			"payload_size": msg.PayloadSize,
			"compressed":   strconv.FormatBool(msg.Compressed),
			"retry_count":  msg.RetryCount,
			"native_cost":  strconv.FormatUint(msg.NativeCost, 10),
		},
	}
	if d.cfg.MaxLen > 0 {
		args.MaxLen = d.cfg.MaxLen
		args.Approx = true
	}

	id, err := d.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	d.log.WithField("message_id", msg.ID).
		WithField("stream", args.Stream).
		WithField("entry_id", id).
		Debug("message dispatched")
	return nil
}

// NewRedisClient opens a client and verifies connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}
