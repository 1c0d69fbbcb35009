// Package bridge carries all traffic between the CLI, the host daemon,
// and per-session children: newline-delimited JSON messages over unix
// sockets, with pending-message correlation for request/response pairs.
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/capstan-dev/capstan/internal/chat"
)

// Message types.
const (
	TypeToolCall         = "tool_call"
	TypeApprovalRequest  = "approval_request"
	TypeApprovalResponse = "approval_response"
	TypeQuestionRequest  = "question_request"
	TypeQuestionResponse = "question_response"
	TypeAIPromptRequest  = "ai_prompt_request"
	TypeAIPromptResponse = "ai_prompt_response"
	TypeCommand          = "command"
	TypeCommandResponse  = "command_response"
)

// Approval choices carried on approval_response.
const (
	ChoiceApprove = "APPROVE"
	ChoiceReject  = "REJECT"
	ChoiceModify  = "MODIFY"
)

// Message is the wire envelope. Type is always set; messageId is set on
// request/response pairs and is opaque to the receiver (an integer from
// a child, a string from the host). One payload pointer is set per type.
type Message struct {
	Type      string `json:"type"`
	MessageID any    `json:"messageId,omitempty"`
	SessionID int    `json:"sessionId,omitempty"`

	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	ToolCall *chat.ToolCall   `json:"toolCall,omitempty"`
	Approval *ApprovalPayload `json:"approval,omitempty"`
	Question *QuestionPayload `json:"question,omitempty"`
	Prompt   *PromptPayload   `json:"prompt,omitempty"`
	Command  *CommandPayload  `json:"command,omitempty"`
	Data     json.RawMessage  `json:"data,omitempty"`
}

// ApprovalPayload rides approval_request and approval_response.
type ApprovalPayload struct {
	ApprovalID  int    `json:"approvalId"`
	ToolCallID  string `json:"toolCallId,omitempty"`
	Type        string `json:"approvalType,omitempty"`
	Description string `json:"description,omitempty"`
	Choice      string `json:"choice,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

// QuestionPayload rides question_request and question_response.
type QuestionPayload struct {
	QuestionID int    `json:"questionId"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Question   string `json:"question,omitempty"`
	Answer     string `json:"answer,omitempty"`
}

// PromptPayload rides ai_prompt_request. The host resolves the provider
// from the model identifier; credentials stay host-side.
type PromptPayload struct {
	Model    string         `json:"model"`
	System   string         `json:"system,omitempty"`
	Messages []chat.Message `json:"messages"`
	Tools    []ToolOffer    `json:"tools,omitempty"`
}

// ToolOffer is one tool exposed to the model, in provider-neutral form.
type ToolOffer struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// CommandPayload rides command messages from the CLI or host.
type CommandPayload struct {
	Line            string `json:"line"`
	WaitForResponse bool   `json:"waitForResponse,omitempty"`
}

// OK reports whether a response message carries success.
func (m *Message) OK() bool { return m.Success != nil && *m.Success }

// SuccessResponse builds a response of the given type carrying data.
func SuccessResponse(msgType string, messageID any, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding response data: %w", err)
	}
	ok := true
	return &Message{Type: msgType, MessageID: messageID, Success: &ok, Data: raw}, nil
}

// ErrorResponse builds a failed response of the given type.
func ErrorResponse(msgType string, messageID any, errText string) *Message {
	ok := false
	return &Message{Type: msgType, MessageID: messageID, Success: &ok, Error: errText}
}

// MessageKey normalizes a messageId for use as a correlation map key.
// JSON decoding yields float64 for integers; senders hold int or string.
func MessageKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}
