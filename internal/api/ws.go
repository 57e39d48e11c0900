package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keelhq/keel-assist/internal/agent"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The platform gateway terminates origins upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 30 * time.Second

// handleChatWS serves one chat run over a websocket: the client sends
// a single ChatRequest, the server streams StreamChunk frames and
// closes.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "validation_error", "no principal")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req ChatRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.logger.Debug("websocket read failed", "error", err)
		return
	}

	// Gorilla connections allow one concurrent writer; tool results
	// land from multiple goroutines' worth of events.
	var mu sync.Mutex
	send := func(chunk StreamChunk) {
		mu.Lock()
		defer mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(chunk); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
		}
	}

	_, err = s.runner.Run(r.Context(), agent.Request{
		Principal:   p,
		Message:     req.Message,
		Continuity:  req.Continuity,
		Attachments: req.Attachments,
	}, func(e agent.StreamEvent) {
		send(toChunk(e))
	})
	if err != nil {
		s.logger.Warn("websocket run failed", "kind", agent.KindOf(err), "error", err)
		send(StreamChunk{Type: "error", ErrorKind: string(agent.KindOf(err)), Message: callerMessage(err)})
	}

	mu.Lock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	mu.Unlock()
}
