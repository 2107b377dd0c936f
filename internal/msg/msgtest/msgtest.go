// Package msgtest records notifications for assertions.
package msgtest

import (
	"sync"

	"github.com/chumbucket/crossrtp/internal/game"
)

// Sent is one recorded notification.
type Sent struct {
	Player       game.PlayerID
	Key          string
	Placeholders map[string]string
}

// Recorder is a msg.Notifier that remembers everything it was asked to send.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Send(p game.Player, key string, placeholders map[string]string) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.sent = append(r.sent, Sent{Player: p.ID(), Key: key, Placeholders: placeholders})
	r.mu.Unlock()
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Keys returns the recorded message keys in order.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.Key
	}
	return out
}
