package trace

import "sync"

// Sink receives stage events from the executor. Record must not block on I/O
// and must not fail; the executor treats it as fire-and-forget.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord forwards event to s, swallowing any panic from a buggy sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder collects events in memory and is safe for concurrent use.
// Insertion order is irrelevant; Trace canonicalizes.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of the events recorded so far.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a canonical ExecutionTrace for graphHash.
func (r *Recorder) Trace(graphHash string) ExecutionTrace {
	tr := ExecutionTrace{GraphHash: graphHash, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
