// Package bus is the in-process event fan-out between the swarm manager,
// the gateway, and the integration adapters. Broadcast never blocks the
// producer: each subscriber drains its own bounded buffer, and a slow
// subscriber drops its oldest backlog rather than stalling everyone else.
package bus

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

// DefaultSubscriberBuffer is each subscriber's queue depth. Sized for many
// subscribers plus integrations.
const DefaultSubscriberBuffer = 256

// Handler receives broadcast events. Called from the subscriber's own
// drain goroutine, one event at a time, in broadcast order.
type Handler func(event protocol.EventFrame)

// Publisher abstracts event broadcast + subscription so components decouple
// from the concrete Broadcaster.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Broadcast(event protocol.EventFrame)
}

type subscriber struct {
	id      string
	ch      chan protocol.EventFrame
	done    chan struct{}
	dropped int
}

// Broadcaster implements Publisher with one goroutine + bounded channel per
// subscriber.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]*subscriber)}
}

// Subscribe registers a handler under id, replacing any previous
// subscription with the same id.
func (b *Broadcaster) Subscribe(id string, handler Handler) {
	sub := &subscriber{
		id:   id,
		ch:   make(chan protocol.EventFrame, DefaultSubscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if old, ok := b.subs[id]; ok {
		close(old.done)
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.ch:
				handler(ev)
			}
		}
	}()
}

// Unsubscribe removes a subscription and stops its drain goroutine.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.done)
		delete(b.subs, id)
	}
}

// Broadcast enqueues the event for every subscriber. A full subscriber
// buffer sheds its oldest event; producers are never blocked.
func (b *Broadcaster) Broadcast(event protocol.EventFrame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
				sub.dropped++
				if sub.dropped == 1 || sub.dropped%100 == 0 {
					slog.Warn("slow bus subscriber dropping events",
						"subscriber", sub.id, "dropped", sub.dropped)
				}
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}
