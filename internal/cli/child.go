// child.go implements the hidden "capstan child" command, the entry
// point the supervisor spawns for each session. Its --root is the
// session workspace, which carries the same db/ layout as an install
// root.
package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/capstan-dev/capstan/internal/agent"
	"github.com/capstan-dev/capstan/internal/approval"
	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/config"
	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/tool"
	"github.com/capstan-dev/capstan/internal/tool/builtin"
)

var (
	childSessionFlag int
	childRootFlag    string
)

var childCmd = &cobra.Command{
	Use:    "child",
	Hidden: true,
	Short:  "Run one session's agent loop (spawned by the daemon)",
	RunE:   runChild,
}

func init() {
	childCmd.Flags().IntVar(&childSessionFlag, "session", 0, "session id")
	childCmd.Flags().StringVar(&childRootFlag, "root", "", "session workspace root")
}

func runChild(cmd *cobra.Command, args []string) error {
	if childSessionFlag == 0 || childRootFlag == "" {
		return fmt.Errorf("child requires --session and --root")
	}
	id := childSessionFlag
	root := childRootFlag
	logger := newLogger().With("session", id)

	cfg, err := config.ReadConfig(root)
	if err != nil {
		return err
	}
	allowlist, err := approval.LoadAllowlist(cfg.AllowlistPath(root))
	if err != nil {
		return err
	}

	sessions := session.NewManager(root, logger)
	records := approval.NewRecords(root, logger)
	states := tool.NewStates()
	registry := tool.NewRegistry()

	gate := &agent.ApprovalGate{
		SessionID: id,
		Sessions:  sessions,
		Records:   records,
		Logger:    logger,
	}
	builtin.RegisterFS(registry)
	builtin.RegisterShell(registry, &builtin.Gate{
		Allowlist:  allowlist,
		Unattended: cfg.Unattended,
		Approver:   gate,
	})
	builtin.RegisterPTY(registry, &builtin.Gate{
		Allowlist:  allowlist,
		Unattended: cfg.Unattended,
		Approver:   gate,
	})
	builtin.RegisterHuman(registry, gate)
	builtin.RegisterWeb(registry)

	ctx := cmd.Context()
	router := agent.NewRouter(id, sessions, states, registry)
	socket := filepath.Join(root, "db", "sockets", strconv.Itoa(id)+".sock")
	link, err := bridge.DialHost(ctx, socket, router, logger)
	if err != nil {
		return err
	}
	defer link.Close()
	go func() {
		if err := link.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("host link closed", "err", err)
		}
	}()
	gate.Notify = link.Notify

	loop := &agent.Loop{
		SessionID: id,
		Sessions:  sessions,
		Registry:  registry,
		States:    states,
		Channel:   &agent.HostChannel{Link: link},
		Logger:    logger,
		Interval:  cfg.Agent.TickInterval,
		Signals:   true,
	}
	return loop.Run(ctx)
}
