package eventbus

import (
	"sync"

	"github.com/gobwas/glob"

	"github.com/nexus-hub/nexus-core/pkg/log"
)

// Subscription is a live (type_pattern, source_pattern) glob match
// registered against the in-memory fanout half of the bus.
type Subscription struct {
	id         uint64
	typeGlob   glob.Glob
	sourceGlob glob.Glob
	ch         chan CloudEvent
}

// Events returns the channel new matching CloudEvents are pushed into.
// The channel is closed when the subscription is removed.
func (sub *Subscription) Events() <-chan CloudEvent { return sub.ch }

func (sub *Subscription) matches(ce CloudEvent) bool {
	return sub.typeGlob.Match(ce.Type) && sub.sourceGlob.Match(ce.Source)
}

// Bus is the in-memory pub/sub half of the event bus. Subscribers are
// matched by glob on every Publish; a subscriber whose channel is full
// is dropped rather than blocking the publisher: it is evicted, and its
// channel closed, before that same Publish returns.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	subs      map[uint64]*Subscription
	queueSize int
}

// NewBus constructs a Bus whose per-subscriber channels buffer
// queueSize events; a subscriber that falls that far behind is evicted.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{subs: map[uint64]*Subscription{}, queueSize: queueSize}
}

// Subscribe registers typePattern/sourcePattern globs (e.g. "plugin.*",
// "nexus:*") and returns the live Subscription.
func (b *Bus) Subscribe(typePattern, sourcePattern string) (*Subscription, error) {
	typeGlob, err := glob.Compile(typePattern)
	if err != nil {
		return nil, err
	}
	sourceGlob, err := glob.Compile(sourcePattern)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:         b.nextID,
		typeGlob:   typeGlob,
		sourceGlob: sourceGlob,
		ch:         make(chan CloudEvent, b.queueSize),
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish pushes ce into every matching, live subscriber. A subscriber
// whose buffer is full is evicted rather than backpressuring Publish.
func (b *Bus) Publish(ce CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dead []uint64
	for id, sub := range b.subs {
		if !sub.matches(ce) {
			continue
		}
		select {
		case sub.ch <- ce:
		default:
			log.Warn("eventbus: dropping slow subscriber", id, "for type", ce.Type)
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}
