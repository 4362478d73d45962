// Package events is the in-process notification surface consumed by the API
// websocket stream and any embedding front-end.
package events

import (
	"sync"
	"time"
)

// Event is one published notification frame.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Broker fans published events out to every subscriber. Publishing never
// blocks: a subscriber that stops draining its channel loses events rather
// than stalling the proxy.
type Broker struct {
	mu       sync.RWMutex
	subs     map[int]chan Event
	nextID   int
	chanSize int
}

func NewBroker(chanSize int) *Broker {
	if chanSize <= 0 {
		chanSize = 256
	}
	return &Broker{
		subs:     make(map[int]chan Event),
		chanSize: chanSize,
	}
}

// Publish delivers the event to all current subscribers, dropping it for any
// subscriber whose buffer is full.
func (b *Broker) Publish(eventType string, data interface{}) {
	ev := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function that unregisters and closes it.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.chanSize)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
