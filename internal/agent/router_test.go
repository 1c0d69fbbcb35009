package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/tool"
)

func newChildRouter(t *testing.T) (*bridge.Router, *session.Manager, *tool.States, *tool.Registry, int) {
	t.Helper()
	mgr := session.NewManager(t.TempDir(), nil)
	s, err := mgr.Create("worker", session.DefaultTemplate("mock:test"))
	if err != nil {
		t.Fatal(err)
	}
	states := tool.NewStates()
	registry := tool.NewRegistry()
	r := NewRouter(s.Metadata.ID, mgr, states, registry)
	return r, mgr, states, registry, s.Metadata.ID
}

func TestRouterApprovalResponseResumesAndInjects(t *testing.T) {
	r, mgr, states, _, id := newChildRouter(t)
	mgr.Transition(id, session.ActionStart)
	mgr.Transition(id, session.ActionPause)

	resp, err := r.Route(context.Background(), &bridge.Message{
		Type:      bridge.TypeApprovalResponse,
		SessionID: id,
		Approval: &bridge.ApprovalPayload{
			ApprovalID: 1,
			ToolCallID: "call_5",
			Choice:     bridge.ChoiceApprove,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Errorf("unexpected reply %+v", resp)
	}

	cs, ok := states.Get("call_5")
	if !ok || cs.ExternalData["approvalReceived"] != true || cs.ExternalData["choice"] != bridge.ChoiceApprove {
		t.Errorf("state = %+v", cs)
	}

	s, _ := mgr.Get(id)
	if s.Spec.Status != session.StatusPending {
		t.Errorf("status = %s", s.Spec.Status)
	}
}

func TestRouterQuestionResponseInjectsAnswer(t *testing.T) {
	r, mgr, states, _, id := newChildRouter(t)
	mgr.Transition(id, session.ActionStart)
	mgr.Transition(id, session.ActionPause)

	if _, err := r.Route(context.Background(), &bridge.Message{
		Type:      bridge.TypeQuestionResponse,
		SessionID: id,
		Question: &bridge.QuestionPayload{
			QuestionID: 1,
			ToolCallID: "call_8",
			Answer:     "main",
		},
	}); err != nil {
		t.Fatal(err)
	}

	cs, ok := states.Get("call_8")
	if !ok || cs.ExternalData["answerReceived"] != true || cs.ExternalData["answer"] != "main" {
		t.Errorf("state = %+v", cs)
	}
	s, _ := mgr.Get(id)
	if s.Spec.Status != session.StatusPending {
		t.Errorf("status = %s", s.Spec.Status)
	}
}

func TestRouterApprovalResponseOnRunningSession(t *testing.T) {
	r, mgr, _, _, id := newChildRouter(t)
	mgr.Transition(id, session.ActionStart)

	if _, err := r.Route(context.Background(), &bridge.Message{
		Type:     bridge.TypeApprovalResponse,
		Approval: &bridge.ApprovalPayload{ApprovalID: 1, ToolCallID: "c"},
	}); err != nil {
		t.Fatalf("running session should absorb the response: %v", err)
	}
	s, _ := mgr.Get(id)
	if s.Spec.Status != session.StatusRunning {
		t.Errorf("status = %s", s.Spec.Status)
	}
}

func TestRouterCommandExecutesTool(t *testing.T) {
	r, _, _, registry, _ := newChildRouter(t)
	registry.MustRegister(&tool.Tool{
		Name: "status__report",
		Handler: func(ctx context.Context, call *tool.Call) tool.Outcome {
			return tool.Success(map[string]any{"args": call.Positional})
		},
	})

	resp, err := r.Route(context.Background(), &bridge.Message{
		Type:      bridge.TypeCommand,
		MessageID: "msg_1",
		Command:   &bridge.CommandPayload{Line: "status report verbose", WaitForResponse: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Type != bridge.TypeCommandResponse || !resp.OK() {
		t.Fatalf("resp = %+v", resp)
	}
	var out tool.Outcome
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != tool.StatusSuccess {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRouterCommandUnknownTool(t *testing.T) {
	r, _, _, _, _ := newChildRouter(t)
	resp, err := r.Route(context.Background(), &bridge.Message{
		Type:      bridge.TypeCommand,
		MessageID: "msg_2",
		Command:   &bridge.CommandPayload{Line: "no such tool", WaitForResponse: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.OK() {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRouterCommandFireAndForget(t *testing.T) {
	r, _, _, registry, _ := newChildRouter(t)
	ran := false
	registry.MustRegister(&tool.Tool{
		Name: "noop",
		Handler: func(ctx context.Context, call *tool.Call) tool.Outcome {
			ran = true
			return tool.Success(nil)
		},
	})

	resp, err := r.Route(context.Background(), &bridge.Message{
		Type:    bridge.TypeCommand,
		Command: &bridge.CommandPayload{Line: "noop"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Errorf("unexpected reply %+v", resp)
	}
	if !ran {
		t.Error("tool did not run")
	}
}
