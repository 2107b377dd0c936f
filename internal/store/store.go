// Package store is the coordination store layer: key construction, the
// go-redis backed client, and typed record access with poison handling.
package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/record"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("store: key not found")

	// ErrStopped is returned when the store client is not running.
	ErrStopped = errors.New("store: not running")
)

// Store is the synchronous key/value and publish surface components depend
// on. All operations fail with ErrStopped once the client is stopped.
type Store interface {
	Running() bool
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Publish(ctx context.Context, channel, payload string) error
}

// MessageHandler consumes one pub/sub message.
type MessageHandler func(channel, payload string)

// Subscriber delivers pub/sub messages for one channel.
type Subscriber interface {
	Subscribe(channel string, h MessageHandler)
}

// GetRecord fetches and decodes a typed record. A payload that no longer
// parses is treated as poison: it is logged, deleted, and reported as absent
// so one bad record cannot wedge the pipeline.
func GetRecord[T any](ctx context.Context, s Store, log *zap.Logger, key string) (T, error) {
	var zero T

	raw, err := s.Get(ctx, key)
	if err != nil {
		return zero, err
	}

	v, err := record.Decode[T](raw)
	if err != nil {
		log.Warn("purging undecodable record", zap.String("key", key), zap.Error(err))
		if delErr := s.Del(ctx, key); delErr != nil {
			log.Warn("failed to purge record", zap.String("key", key), zap.Error(delErr))
		}
		return zero, ErrNotFound
	}
	return v, nil
}

// PutRecord encodes and writes a typed record with the given TTL.
func PutRecord(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := record.Encode(v)
	if err != nil {
		return err
	}
	return s.SetEx(ctx, key, raw, ttl)
}
