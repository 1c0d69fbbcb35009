package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/chat"
	"github.com/capstan-dev/capstan/internal/provider"
	"github.com/capstan-dev/capstan/internal/tool"
)

// Channel is the child's path to host-side services: model completions
// and tools that must run in the host process.
type Channel interface {
	Prompt(ctx context.Context, p *bridge.PromptPayload) (*provider.Response, error)
	CallOnHost(ctx context.Context, sessionID int, tc *chat.ToolCall) tool.Outcome
}

// HostChannel reaches the host over the session's bridge link.
type HostChannel struct {
	Link *bridge.ChildLink
}

// Prompt forwards a completion request to the host and decodes the
// provider response from the reply.
func (h *HostChannel) Prompt(ctx context.Context, p *bridge.PromptPayload) (*provider.Response, error) {
	resp, err := h.Link.SendToHost(ctx, &bridge.Message{
		Type:   bridge.TypeAIPromptRequest,
		Prompt: p,
	})
	if err != nil {
		return nil, fmt.Errorf("prompt request: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("prompt request: %s", resp.Error)
	}
	var r provider.Response
	if err := json.Unmarshal(resp.Data, &r); err != nil {
		return nil, fmt.Errorf("decoding prompt response: %w", err)
	}
	return &r, nil
}

// CallOnHost executes a tool call in the host process and returns its
// outcome. Transport failures surface as FAILURE outcomes so the loop
// records them like any other tool error.
func (h *HostChannel) CallOnHost(ctx context.Context, sessionID int, tc *chat.ToolCall) tool.Outcome {
	resp, err := h.Link.SendToHost(ctx, &bridge.Message{
		Type:      bridge.TypeToolCall,
		SessionID: sessionID,
		ToolCall:  tc,
	})
	if err != nil {
		return tool.Failure(fmt.Sprintf("host tool call: %v", err))
	}
	if !resp.OK() {
		return tool.Failure(fmt.Sprintf("host tool call: %s", resp.Error))
	}
	var out tool.Outcome
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return tool.Failure(fmt.Sprintf("decoding host tool outcome: %v", err))
	}
	return out
}
