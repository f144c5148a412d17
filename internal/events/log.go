package events

import (
	"sync"
	"time"
)

// Log is an append-only, in-memory event log.
type Log struct {
	mu     sync.RWMutex
	events []Event
}

// NewLog creates a log seeded with previously persisted events.
func NewLog(seed ...Event) *Log {
	return &Log{events: append([]Event(nil), seed...)}
}

// Append adds an event to the end of the log.
func (l *Log) Append(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// All returns a copy of every event in append order.
func (l *Log) All() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Event(nil), l.events...)
}

// Since returns events stamped strictly after t.
func (l *Log) Since(t time.Time) []Event {
	return l.filter(func(e Event) bool { return e.Timestamp.After(t) })
}

// ByType returns events of the given type.
func (l *Log) ByType(t Type) []Event {
	return l.filter(func(e Event) bool { return e.Type == t })
}

// ByModule returns events that reference the module.
func (l *Log) ByModule(moduleID string) []Event {
	return l.filter(func(e Event) bool { return e.ModuleID == moduleID })
}

// Len returns the number of events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

func (l *Log) filter(keep func(Event) bool) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
