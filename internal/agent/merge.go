package agent

import (
	"strings"
	"time"

	"github.com/capstan-dev/capstan/internal/chat"
	"github.com/capstan-dev/capstan/internal/provider"
)

// MergeChoices folds every provider choice into one assistant message:
// contents concatenate in order, tool_call lists concatenate in order.
// The merged finish reason is tool_calls if any choice reported it,
// otherwise the last choice's reason.
func MergeChoices(resp *provider.Response) (chat.Message, string) {
	var content strings.Builder
	var calls []chat.ToolCall
	finish := ""
	sawToolCalls := false

	for _, c := range resp.Choices {
		content.WriteString(c.Message.Content)
		calls = append(calls, c.Message.ToolCalls...)
		if c.FinishReason == provider.FinishToolCalls {
			sawToolCalls = true
		}
		finish = c.FinishReason
	}
	if sawToolCalls {
		finish = provider.FinishToolCalls
	}

	return chat.Message{
		Role:      chat.RoleAssistant,
		Content:   content.String(),
		ToolCalls: calls,
		Timestamp: time.Now().UTC(),
	}, finish
}
