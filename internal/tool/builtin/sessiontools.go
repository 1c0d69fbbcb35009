package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/capstan-dev/capstan/internal/approval"
	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/chat"
	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/tool"
)

// HostDeps wires the human-only management tools to daemon state.
// Deliver forwards a message to a running child; it may return an
// error when the child is not connected, which is not fatal because
// the record store is the consistency mechanism.
type HostDeps struct {
	Sessions *session.Manager
	Groups   *session.Groups
	Records  *approval.Records
	Template func(name string) (*session.Template, error)
	Deliver  func(sessionID int, msg *bridge.Message) error
}

// RegisterSessionTools adds the session lifecycle, approval, answer,
// and group tools. All of them are human-only and run on the host.
func RegisterSessionTools(r *tool.Registry, deps *HostDeps) {
	hostMeta := tool.Meta{HumanOnly: true, RequiresHostExecution: true}

	r.MustRegister(&tool.Tool{
		Name:        "session__new",
		Description: "Create a session, optionally from a named template.",
		Parameters: objectSchema(nil, map[string]any{
			"name":     stringProp("session name"),
			"template": stringProp("template name"),
		}),
		Meta:    hostMeta,
		Handler: deps.sessionNew,
	})
	r.MustRegister(&tool.Tool{
		Name:        "session__list",
		Description: "List sessions with their status.",
		Meta:        hostMeta,
		Handler:     deps.sessionList,
	})
	r.MustRegister(&tool.Tool{
		Name:        "session__show",
		Description: "Show a session's full record, conversation included.",
		Parameters: objectSchema([]string{"session"}, map[string]any{
			"session": intProp("session id"),
		}),
		Meta:    hostMeta,
		Handler: deps.sessionShow,
	})
	r.MustRegister(&tool.Tool{
		Name:        "session__send",
		Description: "Append a user message to a session's conversation.",
		Parameters: objectSchema([]string{"session", "text"}, map[string]any{
			"session": intProp("session id"),
			"text":    stringProp("message text"),
		}),
		Meta:    hostMeta,
		Handler: deps.sessionSend,
	})
	for _, action := range []string{
		session.ActionPause, session.ActionResume, session.ActionStop,
		session.ActionRun, session.ActionRetry,
	} {
		action := action
		r.MustRegister(&tool.Tool{
			Name:        "session__" + action,
			Description: fmt.Sprintf("Apply the %s action to a session.", action),
			Parameters: objectSchema([]string{"session"}, map[string]any{
				"session": intProp("session id"),
			}),
			Meta: hostMeta,
			Handler: func(ctx context.Context, call *tool.Call) tool.Outcome {
				return deps.sessionTransition(call, action)
			},
		})
	}
	r.MustRegister(&tool.Tool{
		Name:        "session__delete",
		Description: "Soft-delete a session so it drops out of listings.",
		Parameters: objectSchema([]string{"session"}, map[string]any{
			"session": intProp("session id"),
		}),
		Meta:    hostMeta,
		Handler: deps.sessionDelete,
	})

	r.MustRegister(&tool.Tool{
		Name:        "approve",
		Description: "Resolve a pending approval with APPROVE, REJECT, or MODIFY.",
		Parameters: objectSchema([]string{"approval", "choice"}, map[string]any{
			"approval":    intProp("approval id"),
			"choice":      stringProp("APPROVE, REJECT, or MODIFY"),
			"explanation": stringProp("guidance for a rejection or modification"),
		}),
		Meta:    hostMeta,
		Handler: deps.approve,
	})
	r.MustRegister(&tool.Tool{
		Name:        "approvals",
		Description: "List approvals awaiting a decision.",
		Meta:        hostMeta,
		Handler:     deps.pendingApprovals,
	})
	r.MustRegister(&tool.Tool{
		Name:        "answer",
		Description: "Answer a pending question.",
		Parameters: objectSchema([]string{"question", "answer"}, map[string]any{
			"question": intProp("question id"),
			"answer":   stringProp("answer text"),
		}),
		Meta:    hostMeta,
		Handler: deps.answer,
	})

	r.MustRegister(&tool.Tool{
		Name:        "questions",
		Description: "List questions awaiting an answer.",
		Meta:        hostMeta,
		Handler:     deps.pendingQuestions,
	})

	registerGroupTools(r, deps, hostMeta)
}

func (d *HostDeps) sessionNew(ctx context.Context, call *tool.Call) tool.Outcome {
	name := argFirst(call, "name", 0)
	tmplName, _ := call.Args["template"].(string)
	if tmplName == "" && len(call.Positional) > 1 {
		tmplName = call.Positional[1]
	}

	var tmpl *session.Template
	var err error
	if tmplName != "" {
		tmpl, err = d.Template(tmplName)
		if err != nil {
			return tool.Failure(fmt.Sprintf("loading template: %v", err))
		}
	} else {
		tmpl, err = d.Template("")
		if err != nil {
			return tool.Failure(fmt.Sprintf("loading default template: %v", err))
		}
	}

	s, err := d.Sessions.Create(name, tmpl)
	if err != nil {
		return tool.Failure(err.Error())
	}
	return tool.Success(map[string]any{
		"session": s.Metadata.ID,
		"name":    s.Metadata.Name,
		"status":  s.Spec.Status,
	})
}

func (d *HostDeps) sessionList(ctx context.Context, call *tool.Call) tool.Outcome {
	sessions, err := d.Sessions.List()
	if err != nil {
		return tool.Failure(err.Error())
	}
	rows := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, map[string]any{
			"session": s.Metadata.ID,
			"name":    s.Metadata.Name,
			"status":  s.Spec.Status,
			"model":   s.Spec.Model,
		})
	}
	return tool.Success(rows)
}

func (d *HostDeps) sessionShow(ctx context.Context, call *tool.Call) tool.Outcome {
	id, err := argInt(call, "session", 0)
	if err != nil {
		return tool.Failure(err.Error())
	}
	s, err := d.Sessions.Get(id)
	if err != nil {
		return tool.Failure(err.Error())
	}
	return tool.Success(s)
}

func (d *HostDeps) pendingApprovals(ctx context.Context, call *tool.Call) tool.Outcome {
	pending, err := d.Records.PendingApprovals()
	if err != nil {
		return tool.Failure(err.Error())
	}
	rows := make([]map[string]any, 0, len(pending))
	for _, a := range pending {
		rows = append(rows, map[string]any{
			"approval":    a.Metadata.ID,
			"session":     a.Metadata.SessionID,
			"type":        a.Spec.Type,
			"description": a.Spec.Description,
		})
	}
	return tool.Success(rows)
}

func (d *HostDeps) pendingQuestions(ctx context.Context, call *tool.Call) tool.Outcome {
	pending, err := d.Records.PendingQuestions()
	if err != nil {
		return tool.Failure(err.Error())
	}
	rows := make([]map[string]any, 0, len(pending))
	for _, q := range pending {
		rows = append(rows, map[string]any{
			"question": q.Metadata.ID,
			"session":  q.Metadata.SessionID,
			"text":     q.Spec.Question,
		})
	}
	return tool.Success(rows)
}

func (d *HostDeps) sessionSend(ctx context.Context, call *tool.Call) tool.Outcome {
	id, err := argInt(call, "session", 0)
	if err != nil {
		return tool.Failure(err.Error())
	}
	text, _ := call.Args["text"].(string)
	if text == "" && len(call.Positional) > 1 {
		text = strings.Join(call.Positional[1:], " ")
	}
	if text == "" {
		return tool.Failure("no message text given")
	}

	s, err := d.Sessions.Get(id)
	if err != nil {
		return tool.Failure(err.Error())
	}
	s.AppendMessage(chat.UserMessage(text))
	if err := d.Sessions.Put(s); err != nil {
		return tool.Failure(err.Error())
	}
	return tool.Success(fmt.Sprintf("message queued for session %d", id))
}

func (d *HostDeps) sessionTransition(call *tool.Call, action string) tool.Outcome {
	id, err := argInt(call, "session", 0)
	if err != nil {
		return tool.Failure(err.Error())
	}
	s, err := d.Sessions.Transition(id, action)
	if err != nil {
		return tool.Failure(err.Error())
	}
	return tool.Success(map[string]any{"session": id, "status": s.Spec.Status})
}

func (d *HostDeps) sessionDelete(ctx context.Context, call *tool.Call) tool.Outcome {
	id, err := argInt(call, "session", 0)
	if err != nil {
		return tool.Failure(err.Error())
	}
	if err := d.Sessions.SoftDelete(id); err != nil {
		return tool.Failure(err.Error())
	}
	return tool.Success(fmt.Sprintf("session %d deleted", id))
}

// choiceStatus maps a wire choice to the stored approval status.
var choiceStatus = map[string]string{
	bridge.ChoiceApprove: approval.StatusApprove,
	bridge.ChoiceReject:  approval.StatusReject,
	bridge.ChoiceModify:  approval.StatusModify,
}

func (d *HostDeps) approve(ctx context.Context, call *tool.Call) tool.Outcome {
	id, err := argInt(call, "approval", 0)
	if err != nil {
		return tool.Failure(err.Error())
	}
	choice := strings.ToUpper(argFirst(call, "choice", 1))
	status, ok := choiceStatus[choice]
	if !ok {
		return tool.Failure(fmt.Sprintf("unknown choice %q, want APPROVE, REJECT, or MODIFY", choice))
	}
	explanation, _ := call.Args["explanation"].(string)
	if explanation == "" && len(call.Positional) > 2 {
		explanation = strings.Join(call.Positional[2:], " ")
	}

	a, err := d.Records.ResolveApproval(id, status, explanation)
	if err != nil {
		return tool.Failure(err.Error())
	}

	if d.Deliver != nil {
		_ = d.Deliver(a.Metadata.SessionID, &bridge.Message{
			Type:      bridge.TypeApprovalResponse,
			SessionID: a.Metadata.SessionID,
			Approval: &bridge.ApprovalPayload{
				ApprovalID:  id,
				ToolCallID:  a.Metadata.ToolCallID,
				Choice:      choice,
				Explanation: explanation,
			},
		})
	}
	return tool.Success(fmt.Sprintf("approval %d resolved: %s", id, choice))
}

func (d *HostDeps) answer(ctx context.Context, call *tool.Call) tool.Outcome {
	id, err := argInt(call, "question", 0)
	if err != nil {
		return tool.Failure(err.Error())
	}
	answer, _ := call.Args["answer"].(string)
	if answer == "" && len(call.Positional) > 1 {
		answer = strings.Join(call.Positional[1:], " ")
	}
	if answer == "" {
		return tool.Failure("no answer given")
	}

	q, err := d.Records.AnswerQuestion(id, answer)
	if err != nil {
		return tool.Failure(err.Error())
	}

	// The answer also lands in the conversation as the tool result, so
	// a child restarted before delivery still sees it.
	if q.Metadata.ToolCallID != "" {
		if s, err := d.Sessions.Get(q.Metadata.SessionID); err == nil {
			s.AppendMessage(chat.ToolMessage(q.Metadata.ToolCallID, "human__ask", answer))
			_ = d.Sessions.Put(s)
		}
	}

	if d.Deliver != nil {
		_ = d.Deliver(q.Metadata.SessionID, &bridge.Message{
			Type:      bridge.TypeQuestionResponse,
			SessionID: q.Metadata.SessionID,
			Question: &bridge.QuestionPayload{
				QuestionID: id,
				ToolCallID: q.Metadata.ToolCallID,
				Answer:     answer,
			},
		})
	}
	return tool.Success(fmt.Sprintf("question %d answered", id))
}

// argFirst returns the named argument or the positional token at pos.
func argFirst(call *tool.Call, key string, pos int) string {
	if v, ok := call.Args[key].(string); ok && v != "" {
		return v
	}
	if pos < len(call.Positional) {
		return call.Positional[pos]
	}
	return ""
}
