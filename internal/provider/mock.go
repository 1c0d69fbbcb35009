package provider

import (
	"context"
	"sync"

	"github.com/capstan-dev/capstan/internal/chat"
)

// Mock is a scriptable provider. Responses are dequeued in order; when
// the script is exhausted it returns a plain "done" completion so loops
// terminate.
type Mock struct {
	mu       sync.Mutex
	script   []*Response
	errs     []error
	Requests []Request
}

// NewMock returns an empty mock whose provider name is "mock".
func NewMock() *Mock { return &Mock{} }

// Name implements Provider.
func (m *Mock) Name() string { return "mock" }

// Enqueue appends a scripted response.
func (m *Mock) Enqueue(resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, resp)
	m.errs = append(m.errs, nil)
}

// EnqueueError appends a scripted failure.
func (m *Mock) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, nil)
	m.errs = append(m.errs, err)
}

// EnqueueText is shorthand for a single-choice stop response.
func (m *Mock) EnqueueText(content string) {
	m.Enqueue(&Response{Choices: []Choice{{
		Message:      chat.Message{Role: chat.RoleAssistant, Content: content},
		FinishReason: FinishStop,
	}}})
}

// EnqueueToolCall is shorthand for a single-choice tool_calls response.
func (m *Mock) EnqueueToolCall(id, name, arguments string) {
	m.Enqueue(&Response{Choices: []Choice{{
		Message: chat.Message{
			Role: chat.RoleAssistant,
			ToolCalls: []chat.ToolCall{{
				ID:       id,
				Type:     "function",
				Function: chat.FunctionCall{Name: name, Arguments: arguments},
			}},
		},
		FinishReason: FinishToolCalls,
	}}})
}

// Complete implements Provider.
func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)

	if len(m.script) == 0 {
		return &Response{Choices: []Choice{{
			Message:      chat.Message{Role: chat.RoleAssistant, Content: "done"},
			FinishReason: FinishStop,
		}}}, nil
	}
	resp, err := m.script[0], m.errs[0]
	m.script = m.script[1:]
	m.errs = m.errs[1:]
	if err != nil {
		return nil, err
	}
	return resp, nil
}
