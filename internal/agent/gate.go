package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/capstan-dev/capstan/internal/approval"
	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/fsm"
	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/tool"
)

// ApprovalGate persists approval and question records in the session
// workspace, pauses the session, and notifies the host so a human can
// act. It satisfies the builtin package's Approver and Questioner.
type ApprovalGate struct {
	SessionID int
	Sessions  *session.Manager
	Records   *approval.Records
	Logger    *log.Logger

	// Notify sends a fire-and-forget message to the host. Nil means
	// the child is running without a bridge.
	Notify func(msg *bridge.Message) error
}

// RequestApproval creates the approval record, pauses the session, and
// tells the host. Returns the new record's id.
func (g *ApprovalGate) RequestApproval(ctx context.Context, call *tool.Call, approvalType, description string) (int, error) {
	a, err := g.Records.CreateApproval(g.SessionID, call.ToolCallID, approvalType, description)
	if err != nil {
		return 0, fmt.Errorf("creating approval: %w", err)
	}
	g.pause()
	g.notify(&bridge.Message{
		Type:      bridge.TypeApprovalRequest,
		SessionID: g.SessionID,
		Approval: &bridge.ApprovalPayload{
			ApprovalID:  a.Metadata.ID,
			ToolCallID:  call.ToolCallID,
			Type:        approvalType,
			Description: description,
		},
	})
	return a.Metadata.ID, nil
}

// RequestAnswer creates the question record, pauses the session, and
// tells the host. Returns the new record's id.
func (g *ApprovalGate) RequestAnswer(ctx context.Context, call *tool.Call, question string) (int, error) {
	q, err := g.Records.CreateQuestion(g.SessionID, call.ToolCallID, question)
	if err != nil {
		return 0, fmt.Errorf("creating question: %w", err)
	}
	g.pause()
	g.notify(&bridge.Message{
		Type:      bridge.TypeQuestionRequest,
		SessionID: g.SessionID,
		Question: &bridge.QuestionPayload{
			QuestionID: q.Metadata.ID,
			ToolCallID: call.ToolCallID,
			Question:   question,
		},
	})
	return q.Metadata.ID, nil
}

// pause moves the session to PAUSED. A session already paused or in a
// terminal state is left alone.
func (g *ApprovalGate) pause() {
	_, err := g.Sessions.Transition(g.SessionID, session.ActionPause)
	var invalid *fsm.InvalidTransitionError
	if err != nil && !errors.As(err, &invalid) {
		g.logger().Warn("pausing session for approval", "session", g.SessionID, "err", err)
	}
}

func (g *ApprovalGate) notify(msg *bridge.Message) {
	if g.Notify == nil {
		return
	}
	if err := g.Notify(msg); err != nil {
		g.logger().Warn("notifying host", "type", msg.Type, "err", err)
	}
}

func (g *ApprovalGate) logger() *log.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return log.Default()
}
