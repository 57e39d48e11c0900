package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/keelhq/keel-assist/internal/httpkit"
)

// GatewayClient speaks the platform's model gateway API: a JSON chat
// endpoint that returns a single object, or newline-delimited JSON
// chunks when streaming.
type GatewayClient struct {
	baseURL    string
	apiKey     string
	model      string
	logger     *slog.Logger
	httpClient *http.Client
}

// NewGatewayClient creates a gateway client. The model name is fixed
// per client; callers never choose models per request.
func NewGatewayClient(baseURL, apiKey, model string, logger *slog.Logger) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		logger:  logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute), // tool-capable completions can be slow
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// chatRequest is the gateway wire format.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

// chatChunk is one gateway response object (the whole response when
// not streaming, one line when streaming).
type chatChunk struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming completion request.
func (c *GatewayClient) Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, messages, tools, nil)
}

// ChatStream sends a completion request. If callback is non-nil the
// request streams and tokens are delivered incrementally.
func (c *GatewayClient) ChatStream(ctx context.Context, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, slog.Level(-8), "gateway request", "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	if !stream {
		var chunk chatChunk
		if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return c.toResponse(chunk), nil
	}

	// Streaming: newline-delimited JSON chunks, final one carries Done
	// plus usage counts.
	var final chatChunk
	var content strings.Builder
	decoder := json.NewDecoder(resp.Body)

	for {
		var chunk chatChunk
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			callback(chunk.Message.Content)
		}
		if len(chunk.Message.ToolCalls) > 0 {
			final.Message.ToolCalls = chunk.Message.ToolCalls
		}
		if chunk.Done {
			toolCalls := final.Message.ToolCalls
			final = chunk
			if len(final.Message.ToolCalls) == 0 {
				final.Message.ToolCalls = toolCalls
			}
			break
		}
	}
	final.Message.Content = content.String()

	return c.toResponse(final), nil
}

func (c *GatewayClient) toResponse(chunk chatChunk) *ChatResponse {
	created, _ := time.Parse(time.RFC3339Nano, chunk.CreatedAt)

	// Some backends emit tool calls as JSON text instead of using the
	// structured field.
	if len(chunk.Message.ToolCalls) == 0 && chunk.Message.Content != "" {
		if parsed := parseTextToolCalls(chunk.Message.Content); len(parsed) > 0 {
			chunk.Message.ToolCalls = parsed
			chunk.Message.Content = ""
		}
	}

	return &ChatResponse{
		Model:        chunk.Model,
		CreatedAt:    created,
		Message:      chunk.Message,
		Done:         true,
		InputTokens:  chunk.PromptEvalCount,
		OutputTokens: chunk.EvalCount,
	}
}

// Ping checks that the gateway is reachable.
func (c *GatewayClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway error %d", resp.StatusCode)
	}
	return nil
}

// parseTextToolCalls extracts tool calls from content text. Handles a
// raw JSON object {"name": ..., "arguments": {...}} or an array of
// such objects.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "{") && !strings.HasPrefix(content, "[") {
		return nil
	}

	var calls []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if strings.HasPrefix(content, "[") {
		if err := json.Unmarshal([]byte(content), &calls); err != nil {
			return nil
		}
	} else {
		var single struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(content), &single); err != nil || single.Name == "" {
			return nil
		}
		calls = append(calls, single)
	}

	result := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		var tc ToolCall
		tc.Function.Name = c.Name
		tc.Function.Arguments = c.Arguments
		result = append(result, tc)
	}
	return result
}
