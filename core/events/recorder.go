package events

import (
	"sync"

	"moneymarket/core/types"
)

// Recorder keeps the most recent flattened events in memory. It backs the
// gateway's event feed and test assertions.
type Recorder struct {
	mu     sync.RWMutex
	limit  int
	events []*types.Event
}

// NewRecorder retains at most limit events; zero keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(e Event) {
	flat, ok := e.(Flattener)
	if !ok {
		return
	}
	evt := flat.Event()
	if evt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append([]*types.Event(nil), r.events[len(r.events)-r.limit:]...)
	}
}

// Events returns a copy of the retained events, oldest first.
func (r *Recorder) Events() []*types.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters retained events by type.
func (r *Recorder) OfType(eventType string) []*types.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.Event
	for _, evt := range r.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}
