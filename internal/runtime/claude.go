package runtime

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

// ClaudeAdapter dispatches tasks to the Anthropic Messages API, grounded on
// NeboLoop-nebo's internal/agent/ai/api_anthropic.go AnthropicProvider.
// Unlike that provider, this adapter is synchronous (Messages.New, not
// NewStreaming): the executor already awaits a single DispatchResult per
// task rather than consuming incremental events.
type ClaudeAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewClaudeAdapter builds an adapter bound to a single model. apiKey is
// typically sourced from config (spec §6 ambient stack), never hardcoded.
func NewClaudeAdapter(apiKey, model string, maxTokens int64) *ClaudeAdapter {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &ClaudeAdapter{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (a *ClaudeAdapter) Type() Type { return TypeClaude }

// Spawn issues no network call: a Claude "agent" is a logical session, not
// a process, so spawning just mints a handle the pool can bind and reuse.
func (a *ClaudeAdapter) Spawn(ctx context.Context) (Handle, error) {
	return Handle{ID: uuid.NewString(), RuntimeType: TypeClaude}, nil
}

func (a *ClaudeAdapter) Dispatch(ctx context.Context, h Handle, req DispatchRequest) (DispatchResult, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Command)),
		},
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("claude adapter: dispatch: %w", err)
	}

	var output string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			output += tb.Text
		}
	}

	return DispatchResult{
		Success: true,
		Output:  output,
		TokenUsage: TokenUsage{
			Prompt:     int(msg.Usage.InputTokens),
			Completion: int(msg.Usage.OutputTokens),
			Total:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

// Probe sends a minimal one-token request to confirm the API key and model
// are still reachable; used by the health-check loop (spec §4.3).
func (a *ClaudeAdapter) Probe(ctx context.Context, h Handle) error {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("claude adapter: probe: %w", err)
	}
	return nil
}

// Shutdown is a no-op: there is no process to tear down.
func (a *ClaudeAdapter) Shutdown(ctx context.Context, h Handle) error { return nil }
