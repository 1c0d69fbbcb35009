package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/creack/pty"

	"github.com/capstan-dev/capstan/internal/tool"
)

// RegisterPTY adds pty__write, which runs a command attached to a
// pseudo-terminal for programs that refuse to run without one. It sits
// behind the same gate as shell__execute.
func RegisterPTY(r *tool.Registry, gate *Gate) {
	r.MustRegister(&tool.Tool{
		Name:        "pty__write",
		Description: "Run a command under a pseudo-terminal and capture its output.",
		Parameters: objectSchema([]string{"command"}, map[string]any{
			"command": stringProp("command line to run under a pty"),
		}),
		Handler: func(ctx context.Context, call *tool.Call) tool.Outcome {
			return runGated(ctx, call, gate, "pty", runPTY)
		},
	})
}

func runPTY(ctx context.Context, command string) tool.Outcome {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	f, err := pty.Start(cmd)
	if err != nil {
		return tool.Failure(fmt.Sprintf("starting pty: %v", err))
	}
	defer f.Close()

	var buf bytes.Buffer
	// The pty master returns EIO when the child closes its side.
	if _, err := io.Copy(&buf, f); err != nil && !errors.Is(err, io.EOF) {
		_ = err
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return tool.Outcome{
				Status: tool.StatusFailure,
				Error:  fmt.Sprintf("exit status %d", exitErr.ExitCode()),
				Result: map[string]any{"output": buf.String(), "exitCode": exitErr.ExitCode()},
			}
		}
		return tool.Failure(fmt.Sprintf("waiting for command: %v", err))
	}
	return tool.Success(map[string]any{"output": buf.String(), "exitCode": 0})
}
