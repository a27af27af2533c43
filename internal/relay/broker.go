package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	subscriberBufSize = 256
	historySize       = 64
)

// Feeds published by the service.
const (
	FeedSignIn  = "signin"
	FeedTraffic = "traffic"
)

// Event is one progress or traffic notification.
type Event struct {
	Feed  string          `json:"feed"`
	Kind  string          `json:"kind"`
	RunID string          `json:"run_id,omitempty"`
	Time  time.Time       `json:"time"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event, encoding data as JSON.
func NewEvent(feed, kind, runID string, data any) Event {
	evt := Event{Feed: feed, Kind: kind, RunID: runID, Time: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			raw, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		evt.Data = raw
	}
	return evt
}

// Broker fans out events to all subscribed stream clients and keeps a
// short history for clients that connect mid-run.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	history     []Event
	nextID      atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. The channel is buffered; slow
// consumers have events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, evt)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Recent returns up to n of the latest events, oldest first.
func (b *Broker) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	return append([]Event(nil), b.history[len(b.history)-n:]...)
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
