// Package storetest provides an in-memory Store with manual time advance and
// synchronous pub/sub delivery for deterministic tests.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/chumbucket/crossrtp/internal/store"
)

type entry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// Fake is an in-memory store.Store. It starts running; SetRunning(false)
// makes every operation fail with store.ErrStopped, modelling shutdown.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	data    map[string]entry
	subs    map[string][]store.MessageHandler
	running bool

	// Fail, when set, is returned by every operation. Simulates outages.
	Fail error
}

func New() *Fake {
	return &Fake{
		now:     time.Unix(1_700_000_000, 0),
		data:    map[string]entry{},
		subs:    map[string][]store.MessageHandler{},
		running: true,
	}
}

// Advance moves the fake clock, expiring records that run out.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	for k, e := range f.data {
		if !e.expiresAt.IsZero() && !e.expiresAt.After(f.now) {
			delete(f.data, k)
		}
	}
}

// Now returns the fake clock reading.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// SetRunning toggles the running flag.
func (f *Fake) SetRunning(v bool) {
	f.mu.Lock()
	f.running = v
	f.mu.Unlock()
}

func (f *Fake) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Fake) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return "", err
	}
	e, ok := f.data[key]
	if !ok {
		return "", store.ErrNotFound
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(f.now) {
		delete(f.data, key)
		return "", store.ErrNotFound
	}
	return e.value, nil
}

func (f *Fake) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return err
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = f.now.Add(ttl)
	}
	f.data[key] = e
	return nil
}

func (f *Fake) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return err
	}
	delete(f.data, key)
	return nil
}

func (f *Fake) TTL(ctx context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return 0, err
	}
	e, ok := f.data[key]
	if !ok {
		return -2 * time.Second, nil
	}
	if e.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	rem := e.expiresAt.Sub(f.now)
	if rem <= 0 {
		delete(f.data, key)
		return -2 * time.Second, nil
	}
	return rem, nil
}

// Publish delivers the payload synchronously to every handler subscribed to
// the channel.
func (f *Fake) Publish(ctx context.Context, channel, payload string) error {
	f.mu.Lock()
	if err := f.gate(); err != nil {
		f.mu.Unlock()
		return err
	}
	handlers := append([]store.MessageHandler(nil), f.subs[channel]...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(channel, payload)
	}
	return nil
}

// Subscribe registers a handler for the channel.
func (f *Fake) Subscribe(channel string, h store.MessageHandler) {
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], h)
	f.mu.Unlock()
}

// Has reports whether the key currently exists.
func (f *Fake) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	if !ok {
		return false
	}
	return e.expiresAt.IsZero() || e.expiresAt.After(f.now)
}

// Raw returns the stored value without expiry checks, for assertions.
func (f *Fake) Raw(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	return e.value, ok
}

func (f *Fake) gate() error {
	if f.Fail != nil {
		return f.Fail
	}
	if !f.running {
		return store.ErrStopped
	}
	return nil
}
