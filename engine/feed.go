package engine

import (
	"sync"

	"ghostswap/intent"
	"ghostswap/protocol"
)

// NotificationType tags engine events surfaced to consumers.
type NotificationType string

const (
	NotifyPosted    NotificationType = "posted"
	NotifyCancelled NotificationType = "cancelled"
	NotifyPartial   NotificationType = "partial"
	// NotifyMatched is raised on the peer that found the pairing.
	NotifyMatched NotificationType = "matched"
	// NotifyDelivered is raised on the named counterparty.
	NotifyDelivered NotificationType = "delivered"
)

// Notification describes a state change for display.
type Notification struct {
	Type    NotificationType `json:"type"`
	Intent  intent.Intent    `json:"intent"`
	Counter intent.Intent    `json:"counter"`
	Match   protocol.Match   `json:"match"`
	Actor   string           `json:"actor,omitempty"`
}

type feed struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Notification
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan Notification)}
}

// publish never blocks; slow subscribers miss events.
func (f *feed) publish(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (f *feed) subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notification, buffer)
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribe registers for engine notifications. The returned function
// unsubscribes and closes the channel.
func (e *Engine) Subscribe(buffer int) (<-chan Notification, func()) {
	return e.feed.subscribe(buffer)
}
