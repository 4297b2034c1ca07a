package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/fixloop/internal/repair"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // served on a trusted network
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type string `json:"type"`
}

// handleWebSocket streams a run's events. Active runs replay what happened so
// far and then follow live; finished runs replay their stored attempts. The
// client may send {"type":"cancel"} to stop an active run.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	ar, active := s.runs.Get(run.ID)
	if !active {
		attempts, err := s.store.LoadAttempts(r.Context(), run.ID)
		if err != nil {
			s.wsWriteJSON(conn, Event{Type: EventError, Content: err.Error()})
			return
		}
		var final string
		for i := range attempts {
			s.wsWriteJSON(conn, Event{Type: EventAttempt, Attempt: attempts[i].Index, Result: &attempts[i]})
			final = attempts[i].Source
		}
		if run.Error != "" {
			s.wsWriteJSON(conn, Event{Type: EventError, Content: run.Error})
		}
		s.wsWriteJSON(conn, Event{Type: EventDone, Attempt: len(attempts), Outcome: repair.Outcome(run.Status), Content: final})
		return
	}

	history, events, unsubscribe := ar.Subscribe()
	defer unsubscribe()

	// Reads happen in the background; all writes stay on this goroutine.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var msg wsIncoming
			if err := conn.ReadJSON(&msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read error", "run", run.ID, "error", err)
				}
				return
			}
			if msg.Type == "cancel" {
				s.logger.Info("run cancelled by client", "run", run.ID)
				ar.Cancel()
			}
		}
	}()

	for _, ev := range history {
		if !s.wsWriteJSON(conn, ev) {
			return
		}
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			if !s.wsWriteJSON(conn, ev) {
				return
			}
		case <-readDone:
			return
		}
	}
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("websocket marshal error", "error", err)
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write error", "error", err)
		return false
	}
	return true
}
