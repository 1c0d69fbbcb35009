package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/fsm"
	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/tool"
)

// NewRouter builds the child's bridge router: approval and question
// responses inject external data into parked tool calls, and command
// messages run CLI-originated tool invocations inside the child.
func NewRouter(sessionID int, sessions *session.Manager, states *tool.States, registry *tool.Registry) *bridge.Router {
	r := bridge.NewRouter()
	r.SetDefaultSession(sessionID)

	r.Handle(bridge.TypeApprovalResponse, func(ctx context.Context, msg *bridge.Message) (*bridge.Message, error) {
		if msg.Approval == nil {
			return nil, fmt.Errorf("approval_response without payload")
		}
		states.InjectExternal(sessionID, msg.Approval.ToolCallID, map[string]any{
			"approvalReceived": true,
			"choice":           msg.Approval.Choice,
			"explanation":      msg.Approval.Explanation,
		})
		resumeSession(sessions, sessionID)
		return nil, nil
	})

	r.Handle(bridge.TypeQuestionResponse, func(ctx context.Context, msg *bridge.Message) (*bridge.Message, error) {
		if msg.Question == nil {
			return nil, fmt.Errorf("question_response without payload")
		}
		states.InjectExternal(sessionID, msg.Question.ToolCallID, map[string]any{
			"answerReceived": true,
			"answer":         msg.Question.Answer,
		})
		resumeSession(sessions, sessionID)
		return nil, nil
	})

	r.Handle(bridge.TypeCommand, func(ctx context.Context, msg *bridge.Message) (*bridge.Message, error) {
		if msg.Command == nil {
			return nil, fmt.Errorf("command without payload")
		}
		res, err := registry.Resolve(msg.Command.Line)
		if err != nil {
			if msg.Command.WaitForResponse {
				return bridge.ErrorResponse(bridge.TypeCommandResponse, msg.MessageID, err.Error()), nil
			}
			return nil, nil
		}
		out := tool.Execute(ctx, res.Tool, &tool.Call{
			SessionID:  sessionID,
			Positional: res.Args,
		})
		if !msg.Command.WaitForResponse {
			return nil, nil
		}
		return bridge.SuccessResponse(bridge.TypeCommandResponse, msg.MessageID, out)
	})

	return r
}

// resumeSession moves PAUSED back to PENDING so the loop picks the
// conversation up on the next tick. Any other status is left alone.
func resumeSession(sessions *session.Manager, id int) {
	if _, err := sessions.Transition(id, session.ActionResume); err != nil {
		var invalid *fsm.InvalidTransitionError
		if !errors.As(err, &invalid) {
			log.Default().Warn("resuming session", "session", id, "err", err)
		}
	}
}
