// Package eventbus is an in-process fan-out of pipeline lifecycle events.
//
// Publish never blocks. Subscribers get a buffered channel; a subscriber that
// falls behind loses events rather than stalling the dispatcher.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logx "notifybot/pkg/logx"
)

// Lifecycle event types.
const (
	TypeQueued    = "delivery.queued"
	TypeDropped   = "delivery.dropped"
	TypeEvicted   = "delivery.evicted"
	TypeDelivered = "delivery.delivered"
	TypeSkipped   = "delivery.skipped"
	TypeDeferred  = "delivery.deferred"
	TypeRetrying  = "delivery.retrying"
	TypeFailed    = "delivery.failed"
	TypeCircuit   = "delivery.circuit_open"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Stats counts published events and per-subscriber drops.
type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// MemBus is the in-memory Bus. It owns no goroutines.
type MemBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

func (b *MemBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Send under the read lock so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *MemBus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Published: b.published.Load(), Dropped: b.dropped.Load(), Subscribers: n}
}

// LogEvents writes every event to log at debug level until ctx ends.
func LogEvents(ctx context.Context, bus Bus, log logx.Logger) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			log.Debug("bus event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}
