// Package relay fans out controller events to SSE subscribers so a
// dashboard or companion UI can follow navigations and verdicts live.
package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBufSize = 256

// Event topics.
const (
	TopicNavigation   = "navigation"
	TopicVerdict      = "verdict"
	TopicInterception = "interception"
	TopicTab          = "tab"
)

// Event is a single broadcast to SSE clients.
type Event struct {
	Topic   string
	Payload string
}

// VerdictEvent is the JSON payload for verdict and interception topics.
type VerdictEvent struct {
	TabID       string    `json:"tab_id"`
	URL         string    `json:"url"`
	Verdict     string    `json:"verdict"`
	RawResult   string    `json:"raw_result,omitempty"`
	NavSeq      uint64    `json:"nav_seq"`
	Intercepted bool      `json:"intercepted"`
	At          time.Time `json:"at"`
}

// NavigationEvent is the JSON payload for the navigation topic.
type NavigationEvent struct {
	TabID  string    `json:"tab_id"`
	URL    string    `json:"url"`
	NavSeq uint64    `json:"nav_seq"`
	At     time.Time `json:"at"`
}

// TabEvent is the JSON payload for tab lifecycle changes.
type TabEvent struct {
	TabID  string    `json:"tab_id"`
	Action string    `json:"action"`
	At     time.Time `json:"at"`
}

// Broker fans out events to all subscribed SSE clients.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

// NewBroker creates a new SSE event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. Returns the subscriber ID and a channel
// to receive events on. The channel is buffered; slow consumers will have
// events dropped.
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

// Publish sends an event to all subscribers. Non-blocking: slow clients
// have events dropped.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishJSON marshals payload and publishes it on topic. Marshal
// failures are silently dropped; payload types here are all plain
// structs that cannot fail to encode.
func (b *Broker) PublishJSON(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.Publish(Event{Topic: topic, Payload: string(data)})
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
