package builtin

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/capstan-dev/capstan/internal/approval"
	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/tool"
)

// Resumption phases for command-running tools.
const (
	PhaseAwaitingApproval = "awaiting_approval"
	PhaseAwaitingAnswer   = "awaiting_answer"
)

// Approver submits an approval request to the human channel and
// returns the created approval id.
type Approver interface {
	RequestApproval(ctx context.Context, call *tool.Call, approvalType, description string) (int, error)
}

// Gate carries the approval policy shared by shell and pty execution.
type Gate struct {
	Allowlist  *approval.Allowlist
	Unattended bool
	Approver   Approver
}

// RegisterShell adds shell__execute behind the gate.
func RegisterShell(r *tool.Registry, gate *Gate) {
	r.MustRegister(&tool.Tool{
		Name:        "shell__execute",
		Description: "Run a shell command in the session workspace.",
		Parameters: objectSchema([]string{"command"}, map[string]any{
			"command": stringProp("command line to run"),
		}),
		Handler: func(ctx context.Context, call *tool.Call) tool.Outcome {
			return runGated(ctx, call, gate, "shell", runShell)
		},
	})
}

type commandRunner func(ctx context.Context, command string) tool.Outcome

// runGated is the two-phase FSM shared by command tools. Phase one
// checks the allowlist and either runs, fails (unattended), or parks
// the call behind an approval request. Phase two resumes when the
// operator's choice arrives in ExternalData.
func runGated(ctx context.Context, call *tool.Call, gate *Gate, approvalType string, run commandRunner) tool.Outcome {
	if state, ok := call.State.(map[string]any); ok && state["phase"] == PhaseAwaitingApproval {
		if call.ExternalData["approvalReceived"] != true {
			return tool.Running(state)
		}
		command, _ := state["command"].(string)
		choice, _ := call.ExternalData["choice"].(string)
		if choice == bridge.ChoiceApprove {
			return run(ctx, command)
		}
		msg := fmt.Sprintf("command %q rejected by operator", command)
		if explanation, _ := call.ExternalData["explanation"].(string); explanation != "" {
			msg += ": " + explanation
		}
		return tool.Failure(msg)
	}

	command := argString(call, "command")
	if command == "" {
		return tool.Failure("no command given")
	}

	if gate.Allowlist != nil {
		if d := gate.Allowlist.Check(command); d.Approved {
			return run(ctx, command)
		} else if gate.Unattended {
			msg := fmt.Sprintf("unattended run: %s", d.Reason)
			if keys := gate.Allowlist.TrueKeys(); len(keys) > 0 {
				msg += "; allowlisted: " + strings.Join(keys, ", ")
			}
			return tool.Failure(msg)
		}
	} else if gate.Unattended {
		return tool.Failure("unattended run with no allowlist configured")
	}

	if gate.Approver == nil {
		return tool.Failure("no approval channel available")
	}
	id, err := gate.Approver.RequestApproval(ctx, call, approvalType, command)
	if err != nil {
		return tool.Failure(fmt.Sprintf("requesting approval: %v", err))
	}
	return tool.Running(map[string]any{
		"phase":      PhaseAwaitingApproval,
		"approvalId": id,
		"command":    command,
	})
}

func runShell(ctx context.Context, command string) tool.Outcome {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return tool.Outcome{
				Status: tool.StatusFailure,
				Error:  fmt.Sprintf("exit status %d", exitErr.ExitCode()),
				Result: map[string]any{"output": string(out), "exitCode": exitErr.ExitCode()},
			}
		}
		return tool.Failure(fmt.Sprintf("running command: %v", err))
	}
	return tool.Success(map[string]any{"output": string(out), "exitCode": 0})
}
