package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/keelhq/keel-assist/internal/agent"
)

// StreamChunk is the wire shape shared by the SSE and websocket
// streaming endpoints.
type StreamChunk struct {
	Type      string `json:"type"` // token, tool_start, tool_done, done, error
	Token     string `json:"token,omitempty"`
	Tool      string `json:"tool,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	// Final metadata, set on type done.
	Status       string `json:"status,omitempty"`
	Iterations   int    `json:"iterations,omitempty"`
	ToolsInvoked int    `json:"tools_invoked,omitempty"`

	Message string `json:"message,omitempty"`
}

// toChunk maps a run stream event onto the wire shape.
func toChunk(e agent.StreamEvent) StreamChunk {
	switch e.Kind {
	case agent.KindToken:
		return StreamChunk{Type: "token", Token: e.Token}
	case agent.KindToolStart:
		return StreamChunk{Type: "tool_start", Tool: e.ToolName}
	case agent.KindToolDone:
		chunk := StreamChunk{Type: "tool_done", Tool: e.ToolName}
		if e.Invocation != nil {
			chunk.ErrorKind = e.Invocation.ErrorKind
		}
		return chunk
	case agent.KindDone:
		chunk := StreamChunk{Type: "done"}
		if e.Response != nil {
			chunk.Status = e.Response.Status
			chunk.Iterations = e.Response.Iterations
			chunk.ToolsInvoked = len(e.Response.Invocations)
		}
		return chunk
	}
	return StreamChunk{Type: "unknown"}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "validation_error", "no principal")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "configuration_error", "streaming not supported")
		return
	}

	rc := http.NewResponseController(w)

	callback := func(e agent.StreamEvent) {
		s.writeSSE(w, toChunk(e))
		if e.Kind == agent.KindToolStart || e.Kind == agent.KindToolDone {
			// Comment keepalive so proxies keep the stream open during
			// long tool executions.
			fmt.Fprintf(w, ": keepalive\n\n")
		}
		flusher.Flush()

		// Reset the write deadline after every event; multi-iteration
		// tool loops can outlive the default.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	_, err := s.runner.Run(r.Context(), agent.Request{
		Principal:   p,
		Message:     req.Message,
		Continuity:  req.Continuity,
		Attachments: req.Attachments,
	}, callback)
	if err != nil {
		// Headers are out; surface the failure as a terminal chunk.
		s.logger.Warn("streaming run failed", "kind", agent.KindOf(err), "error", err)
		s.writeSSE(w, StreamChunk{Type: "error", ErrorKind: string(agent.KindOf(err)), Message: callerMessage(err)})
		flusher.Flush()
		return
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, chunk StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE chunk", "error", err)
	}
}
