package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/ShayCichocki/foreman/internal/events"
)

// drain is the single consumer of the event stream. Each event is appended
// to the log, persisted, and fanned out to subscribers in emission order.
func (c *Coordinator) drain() {
	defer close(c.drainDone)
	ctx := context.Background()
	for e := range c.emitter.Events() {
		c.log.Append(e)
		if err := c.store.AppendEvent(ctx, e); err != nil {
			log.Printf("[orchestrator] WARNING: failed to persist event %s: %v", e.Type, err)
		}
		if e.AgentID != "" {
			c.saveAgent(ctx, e.AgentID)
		}
		c.bus.Publish(e)
	}
}

// saveAgent persists the supervisor's current snapshot of the agent.
func (c *Coordinator) saveAgent(ctx context.Context, id string) {
	a, err := c.sup.GetAgent(id)
	if err != nil {
		return
	}
	if err := c.store.SaveAgent(ctx, a); err != nil {
		log.Printf("[orchestrator] WARNING: failed to persist agent %s: %v", id, err)
	}
}

// Events returns every event recorded for this orchestrator, including
// those persisted before a restart, in emission order.
func (c *Coordinator) Events() []events.Event {
	if l := c.eventLog(); l != nil {
		return l.All()
	}
	return nil
}

// EventsSince returns events stamped after t.
func (c *Coordinator) EventsSince(t time.Time) []events.Event {
	if l := c.eventLog(); l != nil {
		return l.Since(t)
	}
	return nil
}

// Subscribe returns a channel receiving events of one topic (see events.Topic*).
// The channel is closed when the coordinator closes. Before initialization
// it returns a closed channel.
func (c *Coordinator) Subscribe(topic string, bufSize int) <-chan events.Event {
	if b := c.eventBus(); b != nil {
		return b.Subscribe(topic, bufSize)
	}
	return closedEvents()
}

// SubscribeAll returns a channel receiving every event.
func (c *Coordinator) SubscribeAll(bufSize int) <-chan events.Event {
	if b := c.eventBus(); b != nil {
		return b.SubscribeAll(bufSize)
	}
	return closedEvents()
}

func (c *Coordinator) eventLog() *events.Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

func (c *Coordinator) eventBus() *events.Bus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus
}

func closedEvents() <-chan events.Event {
	ch := make(chan events.Event)
	close(ch)
	return ch
}
