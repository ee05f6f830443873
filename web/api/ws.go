package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 90 * time.Second
	wsPingInterval = 30 * time.Second
	historyLimit   = 10
)

// wsClient is the websocket connection of one project client
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex // protects conn writes
}

func (c *wsClient) write(msgType string, payload interface{}) error {
	data, err := events.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (c *wsClient) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// Send makes the client an events.Sink
func (c *wsClient) Send(ev events.Event) error {
	return c.write(events.TypeEvent, ev)
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("api: websocket upgrade failed: %v", err)
			return
		}
		s.handleClient(r.PathValue("id"), &wsClient{conn: conn})
	}
}

func (s *Server) handleClient(projectID string, c *wsClient) {
	defer c.conn.Close()

	detach, err := s.deps.Runs.Attach(projectID, c)
	if err != nil {
		if errors.Is(err, domain.ErrSinkAttached) {
			c.closeWith(websocket.ClosePolicyViolation, "another client is attached to this project")
		} else {
			c.closeWith(websocket.CloseInternalServerErr, err.Error())
		}
		return
	}
	defer func() {
		detach()
		if s.deps.Runs.Cancel(projectID) {
			log.Printf("api: client of %s disconnected, cancelled active run", projectID)
		}
	}()

	if err := c.write(events.TypeHistory, s.history(projectID)); err != nil {
		return
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("api: read error for %s: %v", projectID, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var env events.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			c.write(events.TypeError, events.ErrorMessage{Message: "invalid message"})
			continue
		}

		switch env.Type {
		case events.TypeChatMessage:
			var msg events.ChatMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				c.write(events.TypeError, events.ErrorMessage{Message: "invalid chat message"})
				continue
			}
			if _, err := s.deps.Runs.Submit(projectID, msg.Prompt); err != nil {
				message := err.Error()
				if errors.Is(err, domain.ErrAlreadyRunning) {
					message = "a run is already in progress for this project"
				}
				c.write(events.TypeError, events.ErrorMessage{Message: message})
			}

		case events.TypePing:
			c.write(events.TypePong, nil)

		default:
			c.write(events.TypeError, events.ErrorMessage{Message: "unknown message type " + env.Type})
		}
	}
}

// history is the greeting a client gets on connect
func (s *Server) history(projectID string) events.HistoryMessage {
	msg := events.HistoryMessage{Runs: []events.RunSummary{}}
	if s.deps.History != nil {
		runs, err := s.deps.History.ListRuns(projectID, historyLimit)
		if err != nil {
			log.Printf("api: loading history of %s: %v", projectID, err)
		}
		for _, run := range runs {
			msg.Runs = append(msg.Runs, runSummary(run))
		}
	}
	if h, ok := s.deps.Sessions.Lookup(projectID); ok {
		msg.AppURL = "http://" + h.Host(s.opts.PreviewPort)
	}
	return msg
}
