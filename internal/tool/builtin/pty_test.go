package builtin

import (
	"context"
	"strings"
	"testing"

	"github.com/capstan-dev/capstan/internal/approval"
	"github.com/capstan-dev/capstan/internal/tool"
)

func TestPTYRunsAllowlistedCommand(t *testing.T) {
	gate := &Gate{Allowlist: approval.FromMap(map[string]any{"echo": true})}
	r := tool.NewRegistry()
	RegisterPTY(r, gate)
	tl, _ := r.Get("pty__write")

	out := tl.Handler(context.Background(), &tool.Call{
		Args: map[string]any{"command": "echo terminal"},
	})
	if out.Status != tool.StatusSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	result := out.Result.(map[string]any)
	if !strings.Contains(result["output"].(string), "terminal") {
		t.Errorf("output = %q", result["output"])
	}
}

func TestPTYSharesApprovalGate(t *testing.T) {
	ap := &fakeApprover{}
	gate := &Gate{Allowlist: &approval.Allowlist{}, Approver: ap}
	r := tool.NewRegistry()
	RegisterPTY(r, gate)
	tl, _ := r.Get("pty__write")

	out := tl.Handler(context.Background(), &tool.Call{
		Args: map[string]any{"command": "top -b -n 1"},
	})
	if out.Status != tool.StatusRunning {
		t.Fatalf("outcome = %+v", out)
	}
	if len(ap.requests) != 1 {
		t.Errorf("requests = %v", ap.requests)
	}
}
