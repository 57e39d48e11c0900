// Package tools defines the data-retrieval operations the model may
// request. The registry is built once at process start and immutable
// afterwards; it is passed by reference into the orchestration loop.
//
// Every executor re-derives the caller's DataScope before touching the
// directory. Scope computed earlier in the run is never trusted, so an
// out-of-turn or adversarial tool call cannot ride a stale permission.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/keelhq/keel-assist/internal/directory"
	"github.com/keelhq/keel-assist/internal/scope"
)

// Error kinds reported by tool executors. Tool failures never cross
// the tool boundary as Go errors; they are fed back into the
// conversation so the model can recover.
const (
	ErrUnknownTool     = "unknown_tool"
	ErrInvalidArgs     = "invalid_arguments"
	ErrInvalidFormat   = "invalid_format"
	ErrNotFound        = "not_found"
	ErrScopeResolution = "scope_resolution_failed"
)

// Result is a tool execution outcome: output on success, or an error
// kind plus message on failure.
type Result struct {
	Output    string `json:"output,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Failed reports whether the result is an error.
func (r Result) Failed() bool { return r.ErrorKind != "" }

// errResult builds a failed Result.
func errResult(kind, message string) Result {
	return Result{ErrorKind: kind, Message: message}
}

// Handler executes a tool for a principal. Implementations must fail
// soft: always return a Result, never panic past the boundary.
type Handler func(ctx context.Context, p directory.Principal, args map[string]any) Result

// Tool is a schema-described operation.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Invocation records one tool execution, success or failure. It is
// appended to the run transcript and to the usage record.
type Invocation struct {
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Output     string         `json:"output,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Message    string         `json:"message,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"duration_ms"`
}

// Failed reports whether the invocation ended in a tool error.
func (inv Invocation) Failed() bool { return inv.ErrorKind != "" }

// ConversationText renders the invocation outcome as the tool-result
// content handed back to the model.
func (inv Invocation) ConversationText() string {
	if inv.Failed() {
		return "tool error (" + inv.ErrorKind + "): " + inv.Message
	}
	return inv.Output
}

// Registry holds the fixed tool catalog.
type Registry struct {
	tools    map[string]*Tool
	order    []string
	dir      *directory.Store
	resolver *scope.Resolver
	logger   *slog.Logger
}

// NewRegistry builds the catalog. All tools are registered here; the
// registry does not change after construction.
func NewRegistry(dir *directory.Store, resolver *scope.Resolver, logger *slog.Logger) *Registry {
	r := &Registry{
		tools:    make(map[string]*Tool),
		dir:      dir,
		resolver: resolver,
		logger:   logger,
	}
	r.register(r.lookupInvoiceTool())
	r.register(r.findRecordTool())
	r.register(r.aggregateStatsTool())
	r.register(r.listRecordsTool())
	return r
}

func (r *Registry) register(t *Tool) {
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Catalog returns the tool descriptors in registration order, in the
// shape the model gateway expects.
func (r *Registry) Catalog() []map[string]any {
	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool for a principal and records the outcome. Unknown
// tools and handler results alike become Invocations; nothing here
// returns a Go error.
func (r *Registry) Execute(ctx context.Context, p directory.Principal, name string, args map[string]any) Invocation {
	started := time.Now()

	inv := Invocation{
		ToolName:  name,
		Arguments: args,
		Timestamp: started.UTC(),
	}

	tool := r.tools[name]
	if tool == nil {
		inv.ErrorKind = ErrUnknownTool
		inv.Message = "no such tool: " + name
		inv.DurationMs = time.Since(started).Milliseconds()
		return inv
	}

	res := tool.Handler(ctx, p, args)
	inv.Output = res.Output
	inv.ErrorKind = res.ErrorKind
	inv.Message = res.Message
	inv.DurationMs = time.Since(started).Milliseconds()

	if inv.Failed() {
		r.logger.Debug("tool execution failed",
			"tool", name,
			"principal", p.ID,
			"error_kind", inv.ErrorKind,
			"message", inv.Message,
		)
	} else {
		r.logger.Debug("tool executed",
			"tool", name,
			"principal", p.ID,
			"duration_ms", inv.DurationMs,
		)
	}
	return inv
}

// resolveScope is the shared per-executor scope derivation.
func (r *Registry) resolveScope(ctx context.Context, p directory.Principal) (scope.Scope, *Result) {
	sc, err := r.resolver.Resolve(ctx, p)
	if err != nil {
		res := errResult(ErrScopeResolution, "could not determine data visibility")
		r.logger.Error("scope resolution failed in tool", "principal", p.ID, "error", err)
		return scope.Scope{}, &res
	}
	return sc, nil
}

// argString extracts a string argument.
func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// argInt extracts an integer argument; JSON numbers arrive as float64.
func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// marshalOutput renders a value as the tool's output JSON.
func marshalOutput(v any) Result {
	data, err := json.Marshal(v)
	if err != nil {
		return errResult(ErrInvalidArgs, "could not encode result")
	}
	return Result{Output: string(data)}
}
