// Package agent implements the orchestration loop: it primes the model
// with a visibility-shaped snapshot, relays tool requests to the
// registry, and drives the conversation to a final response within a
// bounded number of model calls.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/keelhq/keel-assist/internal/channel"
	"github.com/keelhq/keel-assist/internal/directory"
	"github.com/keelhq/keel-assist/internal/llm"
	"github.com/keelhq/keel-assist/internal/scope"
	"github.com/keelhq/keel-assist/internal/tools"
	"github.com/keelhq/keel-assist/internal/usage"
)

// ChannelStore is the conversation persistence consumed by the loop.
// With continuity disabled the loop performs no calls on it at all.
type ChannelStore interface {
	EnsureChannel(ctx context.Context, p directory.Principal) (string, error)
	AppendTurn(ctx context.Context, channelID string, t channel.Turn) error
	RecentTurns(ctx context.Context, channelID string, limit int) ([]channel.Turn, error)
}

// UsageRecorder is the audit trail consumed by the loop. Create fires
// before the first model call; Finalize exactly once per run.
type UsageRecorder interface {
	Create(ctx context.Context, rec usage.Record) (string, error)
	Finalize(ctx context.Context, id string, out usage.Outcome) error
}

// Request is one incoming user message.
type Request struct {
	Principal directory.Principal

	Message string

	// Continuity enables persisted history. When false the run neither
	// reads nor writes the channel store.
	Continuity bool

	// Attachments are pre-extracted text snippets appended to the user
	// turn. Upload handling lives outside this service.
	Attachments []string
}

// Response is the outcome of a run that reached a terminal state
// without a classified error. Status distinguishes clean completion
// from exhaustion, cancellation, and timeout.
type Response struct {
	Content     string
	Status      string
	Iterations  int
	Invocations []tools.Invocation
	Model       string

	InputTokens  int
	OutputTokens int
	ElapsedMs    int64
}

// runState tracks where a run is in its lifecycle.
type runState int

const (
	statePriming runState = iota
	stateAwaitingModel
	stateExecutingTools
	stateResponding
	stateDone
)

func (s runState) String() string {
	switch s {
	case statePriming:
		return "priming"
	case stateAwaitingModel:
		return "awaiting_model"
	case stateExecutingTools:
		return "executing_tools"
	case stateResponding:
		return "responding"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// Orchestrator drives runs. Safe for concurrent use; all per-run state
// lives on the stack.
type Orchestrator struct {
	llm      llm.Client
	registry *tools.Registry
	resolver *scope.Resolver
	composer *Composer
	channel  ChannelStore
	usage    UsageRecorder
	logger   *slog.Logger

	maxIterations int
	historyLimit  int
}

// NewOrchestrator wires the loop. maxIterations bounds model calls per
// run (default 5); historyLimit bounds restored turns (default 30).
func NewOrchestrator(
	client llm.Client,
	registry *tools.Registry,
	resolver *scope.Resolver,
	composer *Composer,
	ch ChannelStore,
	recorder UsageRecorder,
	logger *slog.Logger,
	maxIterations, historyLimit int,
) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	if historyLimit <= 0 {
		historyLimit = 30
	}
	return &Orchestrator{
		llm:           client,
		registry:      registry,
		resolver:      resolver,
		composer:      composer,
		channel:       ch,
		usage:         recorder,
		logger:        logger,
		maxIterations: maxIterations,
		historyLimit:  historyLimit,
	}
}

// Run executes one request to completion. Classified failures return a
// *RunError; cancellation, timeout, and iteration exhaustion are
// terminal outcomes carried on the Response instead.
func (o *Orchestrator) Run(ctx context.Context, req Request, callback StreamCallback) (*Response, error) {
	started := time.Now()

	if strings.TrimSpace(req.Message) == "" {
		return nil, runErrf(KindValidation, "message is required")
	}
	if !req.Principal.Role.Valid() {
		return nil, runErrf(KindValidation, "unknown role %q", req.Principal.Role)
	}
	if o.llm == nil {
		return nil, runErrf(KindConfiguration, "model gateway not configured")
	}

	queryType := classifyQuery(req.Message)

	// The audit row exists before any model call so a crash mid-run
	// still leaves a trace.
	recordID, err := o.usage.Create(ctx, usage.Record{
		PrincipalID:   req.Principal.ID,
		FirmID:        req.Principal.FirmID,
		PromptExcerpt: req.Message,
		QueryType:     queryType,
	})
	if err != nil {
		return nil, runErr(KindUpstreamFailure, err)
	}

	finalized := false
	finalize := func(out usage.Outcome) {
		if finalized {
			return
		}
		finalized = true
		out.LatencyMs = time.Since(started).Milliseconds()
		// The terminal write must land even when the run context is
		// already dead.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.usage.Finalize(fctx, recordID, out); err != nil {
			o.logger.Error("usage finalize failed", "record", recordID, "error", err)
		}
	}
	defer finalize(usage.Outcome{Status: usage.StatusError, ErrorMessage: "run aborted"})

	o.logger.Info("run started",
		"principal", req.Principal.ID,
		"role", req.Principal.Role,
		"continuity", req.Continuity,
		"query_type", queryType,
	)

	var (
		state       = statePriming
		transcript  []Turn
		channelID   string
		invocations []tools.Invocation
		modelResp   *llm.ChatResponse
		iterations  int
		exhausted   bool
		partial     strings.Builder
		inTokens    int
		outTokens   int
	)

	// Token accumulation doubles as the partial-output capture for
	// cancelled runs.
	tokenCallback := func(token string) {
		partial.WriteString(token)
		callback.emit(StreamEvent{Kind: KindToken, Token: token})
	}

	interrupted := func() (*Response, error) {
		status := usage.StatusCancelled
		if ctx.Err() == context.DeadlineExceeded {
			status = usage.StatusTimeout
		}
		resp := &Response{
			Content:     partial.String(),
			Status:      status,
			Iterations:  iterations,
			Invocations: invocations,
			ElapsedMs:   time.Since(started).Milliseconds(),
		}
		finalize(usage.Outcome{
			Status:          status,
			ResponseExcerpt: resp.Content,
			ToolsInvoked:    invocations,
		})
		o.logger.Warn("run interrupted", "principal", req.Principal.ID, "status", status, "iterations", iterations)
		callback.emit(StreamEvent{Kind: KindDone, Response: resp})
		return resp, nil
	}

	for state != stateDone {
		if ctx.Err() != nil {
			return interrupted()
		}

		o.logger.Debug("run state", "state", state.String(), "iteration", iterations)

		switch state {
		case statePriming:
			sc, err := o.resolver.Resolve(ctx, req.Principal)
			if err != nil {
				finalize(usage.Outcome{Status: usage.StatusError, ErrorMessage: err.Error()})
				return nil, runErr(KindScopeDenied, err)
			}

			priming, err := o.composer.Compose(ctx, req.Principal, sc)
			if err != nil {
				finalize(usage.Outcome{Status: usage.StatusError, ErrorMessage: err.Error()})
				return nil, err
			}
			transcript = append(transcript, priming...)

			if req.Continuity {
				channelID, err = o.channel.EnsureChannel(ctx, req.Principal)
				if err != nil {
					finalize(usage.Outcome{Status: usage.StatusError, ErrorMessage: err.Error()})
					return nil, runErr(KindUpstreamFailure, err)
				}
				history, err := o.channel.RecentTurns(ctx, channelID, o.historyLimit)
				if err != nil {
					finalize(usage.Outcome{Status: usage.StatusError, ErrorMessage: err.Error()})
					return nil, runErr(KindUpstreamFailure, err)
				}
				for _, h := range history {
					transcript = append(transcript, restoredTurn(h))
				}
			}

			userTurn := TextTurn(TurnUser, userText(req))
			transcript = append(transcript, userTurn)
			if req.Continuity {
				if err := o.channel.AppendTurn(ctx, channelID, persistedTurn(userTurn)); err != nil {
					finalize(usage.Outcome{Status: usage.StatusError, ErrorMessage: err.Error()})
					return nil, runErr(KindUpstreamFailure, err)
				}
			}
			state = stateAwaitingModel

		case stateAwaitingModel:
			if iterations >= o.maxIterations {
				// Iteration limit hit; force one last answer without tools.
				exhausted = true
				state = stateResponding
				continue
			}
			iterations++

			resp, err := o.chat(ctx, transcript, o.registry.Catalog(), tokenCallback)
			if err != nil {
				if ctx.Err() != nil {
					return interrupted()
				}
				finalize(usage.Outcome{Status: usage.StatusError, ErrorMessage: err.Error(), ToolsInvoked: invocations})
				return nil, runErr(KindUpstreamFailure, err)
			}
			modelResp = resp
			inTokens += resp.InputTokens
			outTokens += resp.OutputTokens

			if resp.HasToolCalls() {
				state = stateExecutingTools
			} else {
				state = stateDone
			}

		case stateExecutingTools:
			calls := modelResp.Message.ToolCalls
			for _, tc := range calls {
				callback.emit(StreamEvent{Kind: KindToolStart, ToolName: tc.Function.Name})
			}

			// Same-turn requests run concurrently; the indexed slice
			// keeps results in request order regardless of completion
			// order.
			results := make([]tools.Invocation, len(calls))
			var wg sync.WaitGroup
			for i, tc := range calls {
				wg.Add(1)
				go func(i int, tc llm.ToolCall) {
					defer wg.Done()
					results[i] = o.registry.Execute(ctx, req.Principal, tc.Function.Name, tc.Function.Arguments)
				}(i, tc)
			}
			wg.Wait()

			for i := range results {
				inv := results[i]
				invocations = append(invocations, inv)
				callback.emit(StreamEvent{Kind: KindToolDone, ToolName: inv.ToolName, Invocation: &inv})

				reqTurn := Turn{
					Role: TurnToolRequest,
					Request: &ToolRequest{
						ID:        calls[i].ID,
						Name:      calls[i].Function.Name,
						Arguments: calls[i].Function.Arguments,
					},
					CreatedAt: time.Now(),
				}
				resTurn := Turn{Role: TurnToolResult, Result: &inv, CreatedAt: time.Now()}
				transcript = append(transcript, reqTurn, resTurn)

				if req.Continuity {
					if err := o.channel.AppendTurn(ctx, channelID, persistedTurn(reqTurn)); err != nil {
						o.logger.Error("persist tool request failed", "error", err)
					}
					if err := o.channel.AppendTurn(ctx, channelID, persistedTurn(resTurn)); err != nil {
						o.logger.Error("persist tool result failed", "error", err)
					}
				}
			}
			state = stateAwaitingModel

		case stateResponding:
			// Exhaustion path: no tool catalog, so the model must
			// answer with what it has.
			resp, err := o.chat(ctx, transcript, nil, tokenCallback)
			if err != nil {
				if ctx.Err() != nil {
					return interrupted()
				}
				finalize(usage.Outcome{Status: usage.StatusError, ErrorMessage: err.Error(), ToolsInvoked: invocations})
				return nil, runErr(KindUpstreamFailure, err)
			}
			modelResp = resp
			inTokens += resp.InputTokens
			outTokens += resp.OutputTokens
			state = stateDone
		}
	}

	content := modelResp.Message.Content
	modelTurn := TextTurn(TurnModel, content)
	if req.Continuity {
		if err := o.channel.AppendTurn(ctx, channelID, persistedTurn(modelTurn)); err != nil {
			o.logger.Error("persist model turn failed", "error", err)
		}
	}

	status := usage.StatusSuccess
	if exhausted {
		status = usage.StatusExhausted
	}

	resp := &Response{
		Content:      content,
		Status:       status,
		Iterations:   iterations,
		Invocations:  invocations,
		Model:        modelResp.Model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		ElapsedMs:    time.Since(started).Milliseconds(),
	}

	finalize(usage.Outcome{
		Status:          status,
		ResponseExcerpt: content,
		ToolsInvoked:    invocations,
	})

	o.logger.Info("run completed",
		"principal", req.Principal.ID,
		"status", status,
		"iterations", iterations,
		"tools", len(invocations),
		"elapsed_ms", resp.ElapsedMs,
	)

	callback.emit(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// chat performs one model call, streaming when a token callback is in
// play.
func (o *Orchestrator) chat(ctx context.Context, transcript []Turn, toolset []map[string]any, tokens llm.StreamCallback) (*llm.ChatResponse, error) {
	messages := toModelMessages(transcript)
	if tokens == nil {
		return o.llm.Chat(ctx, messages, toolset)
	}
	return o.llm.ChatStream(ctx, messages, toolset, tokens)
}

// userText joins the message with any attachment snippets.
func userText(req Request) string {
	if len(req.Attachments) == 0 {
		return req.Message
	}
	var b strings.Builder
	b.WriteString(req.Message)
	for _, a := range req.Attachments {
		b.WriteString("\n\n[attachment]\n")
		b.WriteString(a)
	}
	return b.String()
}

// toModelMessages flattens the working transcript into wire messages.
func toModelMessages(transcript []Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(transcript))
	lastRequestID := ""

	for _, t := range transcript {
		switch t.Role {
		case TurnContext:
			messages = append(messages, llm.Message{Role: "system", Content: t.Text})
		case TurnUser:
			messages = append(messages, llm.Message{Role: "user", Content: t.Text})
		case TurnModel:
			messages = append(messages, llm.Message{Role: "assistant", Content: t.Text})
		case TurnToolRequest:
			var tc llm.ToolCall
			tc.ID = t.Request.ID
			tc.Function.Name = t.Request.Name
			tc.Function.Arguments = t.Request.Arguments
			lastRequestID = t.Request.ID
			messages = append(messages, llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{tc}})
		case TurnToolResult:
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    t.Result.ConversationText(),
				ToolCallID: lastRequestID,
			})
		}
	}
	return messages
}
