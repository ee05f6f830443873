package supervisor

import (
	"fmt"
	"log"
	"sync"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
)

// relay holds the events of one project. Without a sink they queue in a
// bounded buffer; with a sink a pump goroutine delivers them so that push
// never waits on the consumer.
type relay struct {
	projectID string
	size      int

	mu      sync.Mutex
	pending []events.Event
	queue   chan events.Event
	gen     int
	dropped int
}

func newRelay(projectID string, size int) *relay {
	return &relay{projectID: projectID, size: size}
}

// reset discards events left over from an earlier run
func (r *relay) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	r.dropped = 0
}

func (r *relay) push(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.queue != nil {
		select {
		case r.queue <- ev:
		default:
			r.drop(ev)
		}
		return
	}
	if len(r.pending) >= r.size {
		r.drop(r.pending[0])
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, ev)
}

// drop must be called with r.mu held
func (r *relay) drop(ev events.Event) {
	r.dropped++
	if r.dropped == 1 || r.dropped%100 == 0 {
		log.Printf("supervisor: dropped %d events for %s (latest %s)", r.dropped, r.projectID, ev.Type)
	}
}

func (r *relay) attach(sink events.Sink) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue != nil {
		return nil, fmt.Errorf("project %s: %w", r.projectID, domain.ErrSinkAttached)
	}

	backlog := r.pending
	r.pending = nil
	queue := make(chan events.Event, r.size)
	r.queue = queue
	r.gen++
	gen := r.gen

	go func() {
		for _, ev := range backlog {
			events.SafeSend(sink, ev)
		}
		for ev := range queue {
			events.SafeSend(sink, ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.gen == gen && r.queue == queue {
				r.queue = nil
				close(queue)
			}
		})
	}, nil
}

func (r *relay) droppedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
