package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event is the structured notification emitted after every state-changing
// memory operation. Delivery is fire-and-forget: a slow or absent consumer
// never blocks the operation that produced the event.
type Event struct {
	Operation     string
	EntityID      string
	ChangedFields []string
	Timestamp     time.Time
}

const publishTimeout = 100 * time.Millisecond

type subscriber struct {
	ch chan Event
}

// Publisher fans events out to subscribers over buffered channels.
// With zero subscribers Publish is a no-op.
type Publisher struct {
	subs    []*subscriber
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish delivers ev to every subscriber. If a subscriber's buffer stays
// full past publishTimeout the event is dropped for that subscriber and
// counted.
func (p *Publisher) Publish(ev Event) {
	if p == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	for _, sub := range p.subs {
		select {
		case sub.ch <- ev:
		default:
			timer := time.NewTimer(publishTimeout)
			select {
			case sub.ch <- ev:
			case <-timer.C:
				p.dropped.Add(1)
			}
			timer.Stop()
		}
	}
}

// Subscribe registers a new consumer and returns its event channel.
// The channel is closed when the publisher is closed.
func (p *Publisher) Subscribe() <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := &subscriber{ch: make(chan Event, 100)}
	if p.closed {
		close(sub.ch)
		return sub.ch
	}
	p.subs = append(p.subs, sub)
	return sub.ch
}

// Consume blocks until an event arrives on ch or ctx is done.
func Consume(ctx context.Context, ch <-chan Event) (Event, bool) {
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, sub := range p.subs {
		close(sub.ch)
	}
	p.subs = nil
}

// Dropped reports how many events were discarded because a subscriber
// could not keep up.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}
