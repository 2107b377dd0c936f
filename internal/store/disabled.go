package store

import (
	"context"
	"time"
)

// Disabled is the Store used when the coordination store is turned off in
// config. It never runs; every operation reports ErrStopped so callers take
// their local-only paths.
type Disabled struct{}

func (Disabled) Running() bool { return false }

func (Disabled) Get(context.Context, string) (string, error) { return "", ErrStopped }

func (Disabled) SetEx(context.Context, string, string, time.Duration) error { return ErrStopped }

func (Disabled) Del(context.Context, string) error { return ErrStopped }

func (Disabled) TTL(context.Context, string) (time.Duration, error) { return 0, ErrStopped }

func (Disabled) Publish(context.Context, string, string) error { return ErrStopped }
