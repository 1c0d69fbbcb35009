// daemon.go implements "capstan daemon", the long-lived host process.
package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/core"
	"github.com/capstan-dev/capstan/internal/eventlog"
	"github.com/capstan-dev/capstan/internal/provider"
	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/supervisor"
	"github.com/capstan-dev/capstan/internal/tool"
	"github.com/capstan-dev/capstan/internal/tool/builtin"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the host daemon",
	Long: `Run the capstan daemon: listen on the control socket, supervise
one child process per active session, and broker model calls and tool
execution for the children.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	c, err := core.New(installRoot(), logger)
	if err != nil {
		return err
	}
	c.Providers.Register(provider.NewMock())

	router := supervisor.NewHostRouter(c)
	host := bridge.NewHost(router, logger)
	sv := supervisor.New(c, host, logger)

	registerHostTools(c, host)
	registerCommandHandler(c, sv, router)

	control, err := bridge.ListenControl(c.ControlSocketPath(), router, logger)
	if err != nil {
		return err
	}
	defer control.Close()

	watcher, err := supervisor.NewRecordWatcher(c, logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.Record(eventlog.Event{Event: eventlog.EventDaemonStarted})
	logger.Info("daemon started", "root", c.Root, "socket", c.ControlSocketPath())

	if err := sv.Recover(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return control.Serve(ctx) })
	g.Go(func() error {
		watcher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		reconcileLoop(ctx, c, sv)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		control.Close()
		watcher.Close()
		sv.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	c.Events.Close()
	logger.Info("daemon stopped")
	return nil
}

// registerHostTools installs every builtin on the daemon's registry.
func registerHostTools(c *core.Core, host *bridge.Host) {
	gate := &builtin.Gate{
		Allowlist:  c.Allowlist,
		Unattended: c.Config.Unattended,
		Approver:   &hostApprover{core: c},
	}
	builtin.RegisterFS(c.Tools)
	builtin.RegisterShell(c.Tools, gate)
	builtin.RegisterPTY(c.Tools, gate)
	builtin.RegisterHuman(c.Tools, &hostQuestioner{core: c})
	builtin.RegisterWeb(c.Tools)
	builtin.RegisterSessionTools(c.Tools, &builtin.HostDeps{
		Sessions: c.Sessions,
		Groups:   c.Groups,
		Records:  c.Records,
		Template: func(name string) (*session.Template, error) {
			if name == "" {
				return session.DefaultTemplate(c.Config.Model), nil
			}
			return session.LoadTemplate(c.Root, name)
		},
		Deliver: host.SendToContainer,
	})
}

// registerCommandHandler routes command lines arriving on the control
// socket through the tool registry. After every command the session
// set is reconciled so a new or resumed session gets its child
// immediately instead of on the next sweep.
func registerCommandHandler(c *core.Core, sv *supervisor.Supervisor, router *bridge.Router) {
	router.Handle(bridge.TypeCommand, func(ctx context.Context, msg *bridge.Message) (*bridge.Message, error) {
		if msg.Command == nil {
			return nil, fmt.Errorf("command without payload")
		}
		res, err := c.Tools.Resolve(msg.Command.Line)
		if err != nil {
			if msg.Command.WaitForResponse {
				return bridge.ErrorResponse(bridge.TypeCommandResponse, msg.MessageID, err.Error()), nil
			}
			return nil, nil
		}
		out := tool.Execute(ctx, res.Tool, &tool.Call{
			Positional: res.Args,
		})
		c.Record(eventlog.Event{
			Event:  eventlog.EventToolCall,
			Tool:   res.Name,
			Status: out.Status,
		})
		reconcile(ctx, c, sv)
		if !msg.Command.WaitForResponse {
			return nil, nil
		}
		return bridge.SuccessResponse(bridge.TypeCommandResponse, msg.MessageID, out)
	})
}

// reconcileLoop sweeps the session set so externally edited records
// still converge on the right child processes.
func reconcileLoop(ctx context.Context, c *core.Core, sv *supervisor.Supervisor) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcile(ctx, c, sv)
		}
	}
}

// reconcile starts children for sessions that need one and stops
// children whose session has left the active statuses.
func reconcile(ctx context.Context, c *core.Core, sv *supervisor.Supervisor) {
	sessions, err := c.Sessions.List()
	if err != nil {
		c.Logger.Warn("reconcile list", "err", err)
		return
	}
	for _, s := range sessions {
		id := s.Metadata.ID
		active := false
		switch s.Spec.Status {
		case session.StatusPending, session.StatusRunning, session.StatusPaused:
			active = true
		}
		switch {
		case active && !sv.Running(id):
			if err := sv.StartSession(ctx, id); err != nil {
				c.Logger.Error("starting session child", "session", id, "err", err)
			}
		case !active && sv.Running(id):
			if err := sv.StopSession(id); err != nil {
				c.Logger.Warn("stopping session child", "session", id, "err", err)
			}
		}
	}
}

// hostApprover records approval requests raised by host-side tool
// execution. There is no session to pause; the pending record is the
// whole protocol.
type hostApprover struct {
	core *core.Core
}

func (h *hostApprover) RequestApproval(ctx context.Context, call *tool.Call, approvalType, description string) (int, error) {
	a, err := h.core.Records.CreateApproval(call.SessionID, call.ToolCallID, approvalType, description)
	if err != nil {
		return 0, err
	}
	h.core.Record(eventlog.Event{
		Event:      eventlog.EventApprovalCreated,
		SessionID:  call.SessionID,
		ToolCallID: call.ToolCallID,
		RecordID:   a.Metadata.ID,
	})
	h.core.Logger.Info("approval requested", "approval", a.Metadata.ID, "description", description)
	return a.Metadata.ID, nil
}

// hostQuestioner records questions raised host-side.
type hostQuestioner struct {
	core *core.Core
}

func (h *hostQuestioner) RequestAnswer(ctx context.Context, call *tool.Call, question string) (int, error) {
	q, err := h.core.Records.CreateQuestion(call.SessionID, call.ToolCallID, question)
	if err != nil {
		return 0, err
	}
	h.core.Record(eventlog.Event{
		Event:      eventlog.EventQuestionCreated,
		SessionID:  call.SessionID,
		ToolCallID: call.ToolCallID,
		RecordID:   q.Metadata.ID,
	})
	h.core.Logger.Info("question asked", "question", q.Metadata.ID, "text", question)
	return q.Metadata.ID, nil
}
