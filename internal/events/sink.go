package events

import (
	"log"
	"sync"
)

// Sink delivers events to one consumer. Send may fail; callers never let that
// fail a run.
type Sink interface {
	Send(ev Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev Event) error

func (f SinkFunc) Send(ev Event) error {
	return f(ev)
}

// Emitter routes events for a project to wherever they are consumed
type Emitter interface {
	Emit(projectID string, ev Event)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(projectID string, ev Event)

func (f EmitterFunc) Emit(projectID string, ev Event) {
	f(projectID, ev)
}

// Discard drops every event
var Discard Emitter = EmitterFunc(func(string, Event) {})

// SafeSend delivers ev and swallows both errors and panics from the sink
func SafeSend(sink Sink, ev Event) (ok bool) {
	if sink == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: sink panicked sending %s: %v", ev.Type, r)
			ok = false
		}
	}()
	if err := sink.Send(ev); err != nil {
		log.Printf("events: failed to send %s: %v", ev.Type, err)
		return false
	}
	return true
}

// Recorder is a Sink that keeps everything it receives
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Send(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Emit lets a Recorder act as an Emitter
func (r *Recorder) Emit(_ string, ev Event) {
	_ = r.Send(ev)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}
