// client.go implements the short-lived commands that talk to a running
// daemon over the control socket. Each one submits a single command
// line and prints the outcome.
package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/chat"
	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/tool"
)

const controlTimeout = 10 * time.Second

// controlSocketPath mirrors core.ControlSocketPath without opening the
// whole install, so a client invocation stays read-only.
func controlSocketPath() string {
	return filepath.Join(installRoot(), "db", "control.sock")
}

// controlLine sends one command line to the daemon and decodes the
// tool outcome from the response.
func controlLine(line string) (*tool.Outcome, error) {
	resp, err := bridge.Call(controlSocketPath(), &bridge.Message{
		Type:    bridge.TypeCommand,
		Command: &bridge.CommandPayload{Line: line, WaitForResponse: true},
	}, controlTimeout)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	var out tool.Outcome
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("decoding command outcome: %w", err)
	}
	return &out, nil
}

// runLine executes a command line and prints the result, turning a
// FAILURE outcome into a non-zero exit.
func runLine(line string) error {
	out, err := controlLine(line)
	if err != nil {
		return err
	}
	if out.Status == tool.StatusFailure {
		return fmt.Errorf("%s", out.Error)
	}
	printResult(out.Result)
	return nil
}

func printResult(result any) {
	switch v := result.(type) {
	case nil:
	case string:
		fmt.Println(v)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Printf("%+v\n", v)
			return
		}
		fmt.Println(string(data))
	}
}

// quote wraps an argument so the daemon's argv splitter keeps it as a
// single token.
func quote(s string) string {
	if !strings.ContainsAny(s, " \t\"") {
		return s
	}
	return strconv.Quote(s)
}

var newTemplateFlag string

var newCmd = &cobra.Command{
	Use:   "new [name]",
	Short: "Create a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "agent"
		if len(args) > 0 {
			name = args[0]
		}
		line := "session__new " + quote(name)
		if newTemplateFlag != "" {
			line += " " + quote(newTemplateFlag)
		}
		return runLine(line)
	},
}

var (
	sendWaitFlag     bool
	sendMaxTurnsFlag int
)

var sendCmd = &cobra.Command{
	Use:   "send <session> <text>...",
	Short: "Send a user message to a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid session id %q", args[0])
		}
		text := strings.Join(args[1:], " ")

		var baseline int
		if sendWaitFlag {
			if s, err := fetchSession(id); err == nil {
				baseline = assistantTurns(s)
			}
		}
		if err := runLine(fmt.Sprintf("session__send %d %s", id, quote(text))); err != nil {
			return err
		}
		if !sendWaitFlag {
			return nil
		}
		return waitForCompletion(id, baseline, sendMaxTurnsFlag)
	},
}

// waitForCompletion polls the session until it reaches SUCCESS, fails,
// or spends the turn budget. Turn exhaustion is a non-zero exit so
// single-shot callers can branch on it.
func waitForCompletion(id, baseline, maxTurns int) error {
	for {
		time.Sleep(time.Second)
		s, err := fetchSession(id)
		if err != nil {
			return err
		}
		switch s.Spec.Status {
		case session.StatusSuccess:
			if last := lastAssistantContent(s); last != "" {
				fmt.Println(last)
			}
			return nil
		case session.StatusError:
			return fmt.Errorf("session %d failed", id)
		}
		if maxTurns > 0 && assistantTurns(s)-baseline >= maxTurns {
			return fmt.Errorf("session %d did not complete within %d turns", id, maxTurns)
		}
	}
}

func fetchSession(id int) (*session.Session, error) {
	out, err := controlLine(fmt.Sprintf("session__show %d", id))
	if err != nil {
		return nil, err
	}
	if out.Status == tool.StatusFailure {
		return nil, fmt.Errorf("%s", out.Error)
	}
	data, err := json.Marshal(out.Result)
	if err != nil {
		return nil, err
	}
	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session record: %w", err)
	}
	return &s, nil
}

func assistantTurns(s *session.Session) int {
	n := 0
	for _, m := range s.Spec.Messages {
		if m.Role == chat.RoleAssistant {
			n++
		}
	}
	return n
}

func lastAssistantContent(s *session.Session) string {
	for i := len(s.Spec.Messages) - 1; i >= 0; i-- {
		if s.Spec.Messages[i].Role == chat.RoleAssistant {
			return s.Spec.Messages[i].Content
		}
	}
	return ""
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLine("session__list")
	},
}

var showCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show a session's full record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLine("session__show " + args[0])
	},
}

// transitionCommand builds a client command applying one FSM action.
func transitionCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <session>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLine("session__" + action + " " + args[0])
		},
	}
}

var (
	pauseCmd  = transitionCommand(session.ActionPause, "Pause a session")
	resumeCmd = transitionCommand(session.ActionResume, "Resume a paused session")
	stopCmd   = transitionCommand(session.ActionStop, "Stop a session")
	runCmd    = transitionCommand(session.ActionRun, "Run a stopped session")
	retryCmd  = transitionCommand(session.ActionRetry, "Retry a finished session")
)

var deleteCmd = &cobra.Command{
	Use:   "delete <session>",
	Short: "Soft-delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLine("session__delete " + args[0])
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval> <choice> [explanation]...",
	Short: "Resolve a pending approval with APPROVE, REJECT, or MODIFY",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		line := "approve " + args[0] + " " + args[1]
		if len(args) > 2 {
			line += " " + quote(strings.Join(args[2:], " "))
		}
		return runLine(line)
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <question> <text>...",
	Short: "Answer a pending question",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLine("answer " + args[0] + " " + quote(strings.Join(args[1:], " ")))
	},
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List approvals awaiting a decision",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLine("approvals")
	},
}

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List questions awaiting an answer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLine("questions")
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage session groups",
}

var cmdCmd = &cobra.Command{
	Use:   "cmd <line>...",
	Short: "Send a raw command line to the daemon",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLine(strings.Join(args, " "))
	},
}

func init() {
	newCmd.Flags().StringVar(&newTemplateFlag, "template", "", "Template name")
	sendCmd.Flags().BoolVar(&sendWaitFlag, "wait", false, "Block until the session completes")
	sendCmd.Flags().IntVar(&sendMaxTurnsFlag, "max-turns", 20, "Turn budget for --wait")

	groupCmd.AddCommand(&cobra.Command{
		Use:   "add <group> <session>",
		Short: "Assign a session to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLine("group__add " + quote(args[0]) + " " + args[1])
		},
	})
	groupCmd.AddCommand(&cobra.Command{
		Use:   "remove <group> <session>",
		Short: "Remove a session from a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLine("group__remove " + quote(args[0]) + " " + args[1])
		},
	})
	groupCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List groups and their members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLine("group__list")
		},
	})
	groupCmd.AddCommand(&cobra.Command{
		Use:   "delete <group>",
		Short: "Delete a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLine("group__delete " + quote(args[0]))
		},
	})
	groupCmd.AddCommand(&cobra.Command{
		Use:   "send <group> <text>...",
		Short: "Send a message to every session in a group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLine("group__send " + quote(args[0]) + " " + quote(strings.Join(args[1:], " ")))
		},
	})
}
