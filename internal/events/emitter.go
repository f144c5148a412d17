package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the emitter channel capacity when none is configured.
const DefaultBufferSize = 256

// sendTimeout is how long Emit waits on a full channel before dropping.
const sendTimeout = 100 * time.Millisecond

// Emitter is the typed outbound event stream producers write to and the
// coordinator drains.
type Emitter struct {
	events       chan Event
	droppedCount atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewEmitter creates a new Emitter with the given buffer size.
func NewEmitter(bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Emitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it waits briefly before dropping the event.
func (e *Emitter) Emit(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(sendTimeout):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[events] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read side of the stream.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the channel. Later Emit calls are ignored.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}

// Verify Emitter implements Sink at compile time.
var _ Sink = (*Emitter)(nil)
