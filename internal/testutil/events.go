package testutil

import (
	"slices"
	"sync"

	"pimstore/internal/pim"
)

// EventRecorder is a pim.Publisher that keeps every published event.
type EventRecorder struct {
	mu     sync.Mutex
	events []pim.ChangeEvent
}

var _ pim.Publisher = (*EventRecorder)(nil)

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

func (r *EventRecorder) Publish(events ...pim.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

// Events returns a copy of the recorded events in publish order.
func (r *EventRecorder) Events() []pim.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Reset discards the recorded events.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
