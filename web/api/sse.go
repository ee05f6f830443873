package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
)

// sseKeepAlive is how often a comment line keeps idle streams open
const sseKeepAlive = 30 * time.Second

// chanSink hands events to a streaming handler. Send gives up once the
// client is gone so the relay never stalls on a dead stream.
type chanSink struct {
	ch   chan events.Event
	done <-chan struct{}
}

func (c *chanSink) Send(ev events.Event) error {
	select {
	case c.ch <- ev:
		return nil
	case <-c.done:
		return errors.New("client disconnected")
	}
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		sink := &chanSink{ch: make(chan events.Event, 16), done: r.Context().Done()}
		detach, err := s.deps.Runs.Attach(r.PathValue("id"), sink)
		if errors.Is(err, domain.ErrSinkAttached) {
			writeError(w, http.StatusConflict, "another client is attached to this project")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		defer detach()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case ev := <-sink.ch:
				data, _ := json.Marshal(ev)
				fmt.Fprintf(w, "event: %s\n", ev.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
