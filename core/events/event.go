package events

import "sync"

// Event is a structured state change emitted by the settlement engine.
// Attributes carry string-encoded payload fields so downstream consumers never
// depend on engine-internal types.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter broadcasts events to downstream subscribers (RPC streams, indexers,
// webhook fan-out).
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default wired into the engine so event emission stays optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(*Event) {}

// Fanout forwards each event to every registered emitter in order.
type Fanout []Emitter

func (f Fanout) Emit(evt *Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Recorder retains emitted events in order. It backs the RPC event feed and is
// also handy in tests.
type Recorder struct {
	mu     sync.RWMutex
	events []*Event
	limit  int
}

// NewRecorder creates a recorder that keeps at most limit events; zero or
// negative means unbounded.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Emit(evt *Event) {
	if r == nil || evt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []*Event {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}
