package llm

import "context"

// Client is the model capability consumed by the orchestration loop.
// Chat and ChatStream have equivalent semantics; ChatStream additionally
// delivers text tokens incrementally through the callback.
type Client interface {
	Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error)
	ChatStream(ctx context.Context, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)
}
