package events

import (
	"log/slog"
	"sync"

	"github.com/dot1xd/dot1xd/internal/metrics"
)

// Bus is a non-blocking event bus that fans out events to subscribers.
// Publishing never blocks authentication: when a buffer is full the event is
// dropped with a warning.
type Bus struct {
	ch          chan Event
	subscribers []chan Event
	mu          sync.RWMutex
	logger      *slog.Logger
	done        chan struct{}
	stopOnce    sync.Once
}

// NewBus creates a new event bus with the given buffer size.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Bus{
		ch:     make(chan Event, bufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins dispatching events to subscribers. Call in a goroutine.
func (b *Bus) Start() {
	for {
		select {
		case evt, ok := <-b.ch:
			if !ok {
				return
			}
			b.mu.RLock()
			for _, sub := range b.subscribers {
				select {
				case sub <- evt:
				default:
					b.logger.Warn("subscriber event buffer full, dropping event",
						"event_type", string(evt.Type))
				}
			}
			b.mu.RUnlock()
		case <-b.done:
			return
		}
	}
}

// Stop shuts down the event bus.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

// Publish sends an event to the bus. Non-blocking.
func (b *Bus) Publish(evt Event) {
	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	select {
	case b.ch <- evt:
	default:
		metrics.EventBufferDrops.Inc()
		b.logger.Warn("event bus buffer full, dropping event",
			"event_type", string(evt.Type))
	}
}

// Subscribe returns a new channel that receives all events from the bus.
// The caller should read from the channel to avoid losing events.
func (b *Bus) Subscribe(bufferSize int) chan Event {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	ch := make(chan Event, bufferSize)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}
