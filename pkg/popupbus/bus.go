// Package popupbus fans popup show/hide events out to connected UI streams.
package popupbus

import (
	"context"
	"time"
)

// Event is a popup state change. Visible=false means the popup was cleared
// and the remaining fields describe what was hidden.
type Event struct {
	Visible        bool      `json:"visible"`
	NotificationID string    `json:"notificationId,omitempty"`
	Title          string    `json:"title,omitempty"`
	Message        string    `json:"message,omitempty"`
	Type           string    `json:"type,omitempty"`
	At             time.Time `json:"at"`
}

// Bus broadcasts events to subscribers. One goroutine owns the listener
// list; publishers and subscribers only talk to it over channels.
type Bus struct {
	publish     chan Event
	subscribe   chan chan Event
	unsubscribe chan chan Event
}

// NewBus starts the broadcaster. It lives as long as the process.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan Event, buffer),
		subscribe:   make(chan chan Event),
		unsubscribe: make(chan chan Event),
	}
	go b.run()
	return b
}

// Publish never blocks; the event is dropped when the bus is saturated.
func (b *Bus) Publish(e Event) {
	select {
	case b.publish <- e:
	default:
	}
}

// Subscribe returns a channel of events that closes when ctx ends. Slow
// readers miss events instead of stalling the bus.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.subscribe <- ch

	go func() {
		<-ctx.Done()
		b.unsubscribe <- ch
		close(ch)
	}()
	return ch
}

func (b *Bus) run() {
	var listeners []chan Event
	for {
		select {
		case ch := <-b.subscribe:
			listeners = append(listeners, ch)
		case ch := <-b.unsubscribe:
			kept := listeners[:0]
			for _, existing := range listeners {
				if existing != ch {
					kept = append(kept, existing)
				}
			}
			listeners = kept
		case e := <-b.publish:
			for _, ch := range listeners {
				select {
				case ch <- e:
				default:
				}
			}
		}
	}
}
