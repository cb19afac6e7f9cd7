package events

import (
	"sync"
	"time"

	"github.com/hodei/pipelines/pkg/types"
)

// Subscriber is a channel that receives execution events
type Subscriber chan *types.ExecutionEvent

// Broker fans execution events out to live observers. The durable record is
// the per-job event log in storage; the broker only serves streaming reads,
// so a slow subscriber loses events rather than stalling the relay path.
type Broker struct {
	subscribers map[Subscriber]string // Subscriber -> job id filter ("" = all jobs)
	mu          sync.RWMutex
	eventCh     chan *types.ExecutionEvent
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]string),
		eventCh:     make(chan *types.ExecutionEvent, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a subscription for all jobs
func (b *Broker) Subscribe() Subscriber {
	return b.subscribe("")
}

// SubscribeJob creates a subscription filtered to a single job
func (b *Broker) SubscribeJob(jobID string) Subscriber {
	return b.subscribe(jobID)
}

func (b *Broker) subscribe(jobID string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = jobID
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all matching subscribers
func (b *Broker) Publish(event *types.ExecutionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// run drains the event channel on a single goroutine so per-job ordering is
// preserved across subscribers.
func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.ExecutionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if filter != "" && filter != event.JobID {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
