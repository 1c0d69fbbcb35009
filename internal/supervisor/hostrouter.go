package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/chat"
	"github.com/capstan-dev/capstan/internal/core"
	"github.com/capstan-dev/capstan/internal/eventlog"
	"github.com/capstan-dev/capstan/internal/provider"
	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/tool"
)

// NewHostRouter builds the daemon's bridge router: completion requests
// go to the provider registry, host-side tool calls to the registry,
// and approval and question requests become pending records for a
// human to act on.
func NewHostRouter(c *core.Core) *bridge.Router {
	r := bridge.NewRouter()

	r.Handle(bridge.TypeAIPromptRequest, func(ctx context.Context, msg *bridge.Message) (*bridge.Message, error) {
		if msg.Prompt == nil {
			return nil, fmt.Errorf("ai_prompt_request without payload")
		}
		resp, err := completePrompt(ctx, c, msg.Prompt)
		if err != nil {
			return bridge.ErrorResponse(bridge.TypeAIPromptResponse, msg.MessageID, err.Error()), nil
		}
		return bridge.SuccessResponse(bridge.TypeAIPromptResponse, msg.MessageID, resp)
	})

	r.Handle(bridge.TypeToolCall, func(ctx context.Context, msg *bridge.Message) (*bridge.Message, error) {
		if msg.ToolCall == nil {
			return nil, fmt.Errorf("tool_call without payload")
		}
		out := runHostTool(ctx, c, msg.SessionID, msg.ToolCall)
		c.Record(eventlog.Event{
			Event:      eventlog.EventToolCall,
			SessionID:  msg.SessionID,
			ToolCallID: msg.ToolCall.ID,
			Tool:       msg.ToolCall.Function.Name,
			Status:     out.Status,
		})
		return bridge.SuccessResponse(bridge.TypeToolCall, msg.MessageID, out)
	})

	r.Handle(bridge.TypeApprovalRequest, func(ctx context.Context, msg *bridge.Message) (*bridge.Message, error) {
		if msg.Approval == nil {
			return nil, fmt.Errorf("approval_request without payload")
		}
		a, err := c.Records.CreateApproval(msg.SessionID, msg.Approval.ToolCallID,
			msg.Approval.Type, msg.Approval.Description)
		if err != nil {
			return nil, err
		}
		c.Record(eventlog.Event{
			Event:      eventlog.EventApprovalCreated,
			SessionID:  msg.SessionID,
			ToolCallID: msg.Approval.ToolCallID,
			RecordID:   a.Metadata.ID,
		})
		c.Logger.Info("approval requested", "session", msg.SessionID,
			"approval", a.Metadata.ID, "description", msg.Approval.Description)
		return nil, nil
	})

	r.Handle(bridge.TypeQuestionRequest, func(ctx context.Context, msg *bridge.Message) (*bridge.Message, error) {
		if msg.Question == nil {
			return nil, fmt.Errorf("question_request without payload")
		}
		q, err := c.Records.CreateQuestion(msg.SessionID, msg.Question.ToolCallID,
			msg.Question.Question)
		if err != nil {
			return nil, err
		}
		c.Record(eventlog.Event{
			Event:      eventlog.EventQuestionCreated,
			SessionID:  msg.SessionID,
			ToolCallID: msg.Question.ToolCallID,
			RecordID:   q.Metadata.ID,
		})
		c.Logger.Info("question asked", "session", msg.SessionID,
			"question", q.Metadata.ID, "text", msg.Question.Question)
		return nil, nil
	})

	return r
}

// completePrompt resolves the provider named in the model identifier
// and runs the completion under the configured request timeout.
func completePrompt(ctx context.Context, c *core.Core, p *bridge.PromptPayload) (*provider.Response, error) {
	providerName, model, err := session.ParseModel(p.Model)
	if err != nil {
		return nil, err
	}
	backend, err := c.Providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	tools := make([]provider.ToolSpec, 0, len(p.Tools))
	for _, t := range p.Tools {
		tools = append(tools, provider.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	timeout := c.Config.Agent.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return backend.Complete(reqCtx, provider.Request{
		Model:    model,
		System:   p.System,
		Messages: p.Messages,
		Tools:    tools,
	})
}

// runHostTool executes one child-originated tool call on the host.
func runHostTool(ctx context.Context, c *core.Core, sessionID int, tc *chat.ToolCall) tool.Outcome {
	t, ok := c.Tools.Get(tc.Function.Name)
	if !ok {
		return tool.Failure(fmt.Sprintf("unknown tool: %s", tc.Function.Name))
	}
	if t.Meta.HumanOnly {
		return tool.Failure(fmt.Sprintf("tool %s is not available to the model", tc.Function.Name))
	}

	args := make(map[string]any)
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return tool.Failure(fmt.Sprintf("parsing arguments for %s: %v", tc.Function.Name, err))
		}
	}
	return tool.Execute(ctx, t, &tool.Call{
		SessionID:  sessionID,
		ToolCallID: tc.ID,
		Args:       args,
	})
}
