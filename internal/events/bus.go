package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventRunStarted is published when the controller enters its Start state.
	EventRunStarted EventType = "run_started"
	// EventStateChanged is published on every controller state transition.
	EventStateChanged EventType = "state_changed"
	// EventStateSkipped is published when gating skips a selected state.
	EventStateSkipped EventType = "state_skipped"
	// EventPhaseResult is published for each result entry a phase reports.
	EventPhaseResult EventType = "phase_result"
	// EventPrompt is published when a checkpoint waits for a user response.
	EventPrompt EventType = "prompt"
	// EventResponse is published when a user response is consumed.
	EventResponse EventType = "response"
	// EventResultSnapshot carries the full aggregate result table.
	EventResultSnapshot EventType = "result_snapshot"
	// EventRunEnded is published when the run reaches Finished or Aborted.
	EventRunEnded EventType = "run_ended"
)

// AllEvents subscribes to every event type.
const AllEvents EventType = "*"

// Event represents a system event.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels, in publish order
// per subscriber. If a subscriber's channel is full, the event is dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	bufferSize  int
	seq         atomic.Uint64
	dropped     atomic.Uint64
	closed      bool
}

type subscription struct {
	ch   chan Event
	done chan struct{}
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]*subscription),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type, or for all of them with
// AllEvents. fn runs on a dedicated goroutine. The returned unsubscribe
// function blocks until fn has handled every event already queued for it, so
// it must not be called from inside fn.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	sub := &subscription{
		ch:   make(chan Event, b.bufferSize),
		done: make(chan struct{}),
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)

	go func() {
		defer close(sub.done)
		for event := range sub.ch {
			func() {
				// a panicking subscriber must not take the bus down
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s == sub {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
		b.mu.Unlock()
		// closed here or by Close
		<-sub.done
	}
}

// Publish sends an event to all subscribers of its type and to wildcard
// subscribers. It never blocks.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	event := Event{
		Seq:       b.seq.Add(1),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, key := range []EventType{eventType, AllEvents} {
		for _, sub := range b.subscribers[key] {
			select {
			case sub.ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns how many deliveries were lost to full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels, clears subscriptions and waits for
// every subscriber to drain the events queued before the call.
func (b *Bus) Close() {
	b.mu.Lock()
	var pending []*subscription
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.ch)
			pending = append(pending, sub)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()

	for _, sub := range pending {
		<-sub.done
	}
}
