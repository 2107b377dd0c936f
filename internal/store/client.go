package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/config"
)

// Subscriber reconnect backoff.
const (
	backoffInitial = time.Second
	backoffMax     = 15 * time.Second
)

// Client is the production Store backed by go-redis.
type Client struct {
	log *zap.Logger
	rdb *redis.Client

	running atomic.Bool
}

// NewClient builds the client from config. No connection is made until Start.
func NewClient(log *zap.Logger, cfg config.RedisConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond

	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
	}
	if cfg.SSL {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Client{
		log: log.Named("store"),
		rdb: redis.NewClient(opts),
	}
}

// Start verifies connectivity and marks the client running. Safe to call
// more than once.
func (c *Client) Start(ctx context.Context) error {
	if c.running.Load() {
		c.log.Warn("start called while already running")
		return nil
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	c.running.Store(true)
	c.log.Info("connected", zap.String("addr", c.rdb.Options().Addr))
	return nil
}

// Stop marks the client stopped and closes the connection pool. Safe to call
// more than once.
func (c *Client) Stop() {
	if !c.running.Swap(false) {
		return
	}
	if err := c.rdb.Close(); err != nil {
		c.log.Warn("close failed", zap.Error(err))
	}
}

// Running reports whether Start completed and Stop has not been called.
func (c *Client) Running() bool { return c.running.Load() }

// Get fetches a key's value; missing keys return ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if !c.running.Load() {
		return "", ErrStopped
	}
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// SetEx writes a key with a TTL.
func (c *Client) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if !c.running.Load() {
		return ErrStopped
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setex %s: %w", key, err)
	}
	return nil
}

// Del removes a key.
func (c *Client) Del(ctx context.Context, key string) error {
	if !c.running.Load() {
		return ErrStopped
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// TTL returns the key's remaining lifetime.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !c.running.Load() {
		return 0, ErrStopped
	}
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	return d, nil
}

// Publish sends a payload on a channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	if !c.running.Load() {
		return ErrStopped
	}
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Serve subscribes to the channel and delivers messages to h until ctx is
// cancelled or the client stops. Connection loss is retried with exponential
// backoff, reset after each successful subscribe.
func (c *Client) Serve(ctx context.Context, channel string, h MessageHandler) error {
	backoff := backoffInitial

	for c.running.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.consume(ctx, channel, h, func() { backoff = backoffInitial })
		if err == nil || ctx.Err() != nil || !c.running.Load() {
			return ctx.Err()
		}

		c.log.Warn("subscribe loop error", zap.String("channel", channel), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
	return nil
}

func (c *Client) consume(ctx context.Context, channel string, h MessageHandler, subscribed func()) error {
	sub := c.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	// Confirm the subscription so backoff only resets on a live connection.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	c.log.Info("subscribed", zap.String("channel", channel))
	subscribed()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription %s closed", channel)
			}
			if c.running.Load() {
				h(msg.Channel, msg.Payload)
			}
		}
	}
}
