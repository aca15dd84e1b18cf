// Package events fans persisted authorisation and consent changes out to
// in-process subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"qazna.org/xs2a/internal/domain"
)

// Kind tells what changed.
type Kind string

const (
	KindAuthorisation Kind = "authorisation"
	KindConsent       Kind = "consent"
	KindPayment       Kind = "payment"
)

// StatusChanged describes one persisted transition.
type StatusChanged struct {
	Kind       Kind              `json:"kind"`
	ObjectType domain.ObjectType `json:"object_type"`
	ID         string            `json:"id"`
	ParentID   string            `json:"parent_id,omitempty"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Bus fan-outs status changes to all active subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan StatusChanged
	next int
}

func New() *Bus {
	return &Bus{subs: make(map[int]chan StatusChanged)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan StatusChanged {
	ch := make(chan StatusChanged, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs evt to all subscribers. A nil Bus drops events.
func (b *Bus) Publish(evt StatusChanged) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
