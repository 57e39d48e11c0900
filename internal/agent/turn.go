package agent

import (
	"encoding/json"
	"time"

	"github.com/keelhq/keel-assist/internal/channel"
	"github.com/keelhq/keel-assist/internal/tools"
)

// TurnRole discriminates the turn variants that flow through a run.
type TurnRole string

const (
	// TurnContext is a priming turn composed fresh each run. Context
	// turns are never persisted.
	TurnContext TurnRole = "context"

	TurnUser        TurnRole = "user"
	TurnModel       TurnRole = "model"
	TurnToolRequest TurnRole = "tool_request"
	TurnToolResult  TurnRole = "tool_result"
)

// ToolRequest is a pending tool invocation requested by the model.
type ToolRequest struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Turn is one entry in a run's working transcript. Exactly one payload
// field is set, selected by Role: Text for context/user/model turns,
// Request for tool requests, Result for tool results.
type Turn struct {
	Role      TurnRole
	Text      string
	Request   *ToolRequest
	Result    *tools.Invocation
	CreatedAt time.Time
}

// TextTurn builds a plain text turn.
func TextTurn(role TurnRole, text string) Turn {
	return Turn{Role: role, Text: text, CreatedAt: time.Now()}
}

// persistedTurn maps a working turn onto the channel's storage shape.
func persistedTurn(t Turn) channel.Turn {
	ct := channel.Turn{CreatedAt: t.CreatedAt}

	switch t.Role {
	case TurnUser:
		ct.Role = channel.RoleUser
		ct.Content = t.Text
	case TurnModel:
		ct.Role = channel.RoleModel
		ct.Content = t.Text
	case TurnToolRequest:
		ct.Role = channel.RoleToolRequest
		ct.ToolName = t.Request.Name
		payload, _ := json.Marshal(t.Request)
		ct.Payload = string(payload)
	case TurnToolResult:
		ct.Role = channel.RoleToolResult
		ct.ToolName = t.Result.ToolName
		ct.Content = t.Result.ConversationText()
		payload, _ := json.Marshal(t.Result)
		ct.Payload = string(payload)
	}
	return ct
}

// restoredTurn maps a stored channel turn back into the working shape.
// Context turns never round-trip; they are recomposed every run.
func restoredTurn(ct channel.Turn) Turn {
	t := Turn{CreatedAt: ct.CreatedAt}

	switch ct.Role {
	case channel.RoleUser:
		t.Role = TurnUser
		t.Text = ct.Content
	case channel.RoleModel:
		t.Role = TurnModel
		t.Text = ct.Content
	case channel.RoleToolRequest:
		t.Role = TurnToolRequest
		var req ToolRequest
		_ = json.Unmarshal([]byte(ct.Payload), &req)
		t.Request = &req
	case channel.RoleToolResult:
		t.Role = TurnToolResult
		var inv tools.Invocation
		_ = json.Unmarshal([]byte(ct.Payload), &inv)
		t.Result = &inv
	default:
		t.Role = TurnModel
		t.Text = ct.Content
	}
	return t
}
