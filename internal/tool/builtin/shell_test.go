package builtin

import (
	"context"
	"strings"
	"testing"

	"github.com/capstan-dev/capstan/internal/approval"
	"github.com/capstan-dev/capstan/internal/tool"
)

type fakeApprover struct {
	nextID   int
	requests []string
	err      error
}

func (f *fakeApprover) RequestApproval(ctx context.Context, call *tool.Call, approvalType, description string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	f.requests = append(f.requests, description)
	return f.nextID, nil
}

func shellRegistry(t *testing.T, gate *Gate) *tool.Tool {
	t.Helper()
	r := tool.NewRegistry()
	RegisterShell(r, gate)
	st, ok := r.Get("shell__execute")
	if !ok {
		t.Fatal("shell__execute not registered")
	}
	return st
}

func TestShellAllowlistedRuns(t *testing.T) {
	gate := &Gate{Allowlist: approval.FromMap(map[string]any{"echo": true})}
	st := shellRegistry(t, gate)

	out := st.Handler(context.Background(), &tool.Call{
		Args: map[string]any{"command": "echo hello"},
	})
	if out.Status != tool.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	result := out.Result.(map[string]any)
	if !strings.Contains(result["output"].(string), "hello") {
		t.Errorf("output = %q", result["output"])
	}
}

func TestShellNonZeroExit(t *testing.T) {
	gate := &Gate{Allowlist: approval.FromMap(map[string]any{"false": true})}
	st := shellRegistry(t, gate)

	out := st.Handler(context.Background(), &tool.Call{
		Args: map[string]any{"command": "false"},
	})
	if out.Status != tool.StatusFailure {
		t.Fatalf("outcome = %+v", out)
	}
	result := out.Result.(map[string]any)
	if result["exitCode"] != 1 {
		t.Errorf("exitCode = %v", result["exitCode"])
	}
}

func TestShellUnattendedDenied(t *testing.T) {
	gate := &Gate{
		Allowlist:  approval.FromMap(map[string]any{"ls": true, "git": true}),
		Unattended: true,
	}
	st := shellRegistry(t, gate)

	out := st.Handler(context.Background(), &tool.Call{
		Args: map[string]any{"command": "rm -rf /"},
	})
	if out.Status != tool.StatusFailure {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Error, "git") || !strings.Contains(out.Error, "ls") {
		t.Errorf("error does not name allowlisted commands: %s", out.Error)
	}
}

func TestShellAttendedParksBehindApproval(t *testing.T) {
	ap := &fakeApprover{}
	gate := &Gate{Allowlist: approval.FromMap(map[string]any{"ls": true}), Approver: ap}
	st := shellRegistry(t, gate)

	out := st.Handler(context.Background(), &tool.Call{
		ToolCallID: "call_1",
		Args:       map[string]any{"command": "make build"},
	})
	if out.Status != tool.StatusRunning {
		t.Fatalf("outcome = %+v", out)
	}
	state := out.State.(map[string]any)
	if state["phase"] != PhaseAwaitingApproval || state["approvalId"] != 1 {
		t.Errorf("state = %v", state)
	}
	if len(ap.requests) != 1 || ap.requests[0] != "make build" {
		t.Errorf("requests = %v", ap.requests)
	}
}

func TestShellResumeApproved(t *testing.T) {
	st := shellRegistry(t, &Gate{})
	out := st.Handler(context.Background(), &tool.Call{
		State: map[string]any{"phase": PhaseAwaitingApproval, "approvalId": 1, "command": "echo approved"},
		ExternalData: map[string]any{
			"approvalReceived": true,
			"choice":           "APPROVE",
		},
	})
	if out.Status != tool.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	result := out.Result.(map[string]any)
	if !strings.Contains(result["output"].(string), "approved") {
		t.Errorf("output = %q", result["output"])
	}
}

func TestShellResumeRejectedWithGuidance(t *testing.T) {
	st := shellRegistry(t, &Gate{})
	for _, choice := range []string{"REJECT", "MODIFY"} {
		out := st.Handler(context.Background(), &tool.Call{
			State: map[string]any{"phase": PhaseAwaitingApproval, "approvalId": 2, "command": "make deploy"},
			ExternalData: map[string]any{
				"approvalReceived": true,
				"choice":           choice,
				"explanation":      "use the staging target",
			},
		})
		if out.Status != tool.StatusFailure {
			t.Fatalf("%s outcome = %+v", choice, out)
		}
		if !strings.Contains(out.Error, "use the staging target") {
			t.Errorf("%s error lost the guidance: %s", choice, out.Error)
		}
	}
}

func TestShellStillWaitingKeepsRunning(t *testing.T) {
	st := shellRegistry(t, &Gate{})
	state := map[string]any{"phase": PhaseAwaitingApproval, "approvalId": 3, "command": "make"}
	out := st.Handler(context.Background(), &tool.Call{State: state})
	if out.Status != tool.StatusRunning {
		t.Fatalf("outcome = %+v", out)
	}
	if got := out.State.(map[string]any); got["approvalId"] != 3 {
		t.Errorf("state = %v", got)
	}
}

func TestShellNoCommand(t *testing.T) {
	st := shellRegistry(t, &Gate{})
	out := st.Handler(context.Background(), &tool.Call{})
	if out.Status != tool.StatusFailure {
		t.Errorf("outcome = %+v", out)
	}
}
