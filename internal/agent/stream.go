package agent

import "github.com/keelhq/keel-assist/internal/tools"

// StreamEvent is a single event in a streaming run. Consumers switch
// on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolName is set for tool events; Invocation additionally for
	// KindToolDone.
	ToolName   string
	Invocation *tools.Invocation

	// Response carries final metadata on KindDone.
	Response *Response
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolStart fires when a requested tool begins executing.
	KindToolStart

	// KindToolDone fires when a tool execution completes.
	KindToolDone

	// KindDone signals the run is complete. Response carries final
	// metadata.
	KindDone
)

// StreamCallback receives streaming events. A nil callback disables
// streaming without changing run semantics.
type StreamCallback func(event StreamEvent)

func (cb StreamCallback) emit(event StreamEvent) {
	if cb != nil {
		cb(event)
	}
}
