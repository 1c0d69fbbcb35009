package agent

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/capstan-dev/capstan/internal/approval"
	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/chat"
	"github.com/capstan-dev/capstan/internal/core"
	"github.com/capstan-dev/capstan/internal/provider"
	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/supervisor"
	"github.com/capstan-dev/capstan/internal/tool"
	"github.com/capstan-dev/capstan/internal/tool/builtin"
)

// harness wires a child loop to a real host over the session socket,
// the way the daemon and a spawned child run in production: the host
// side owns the install root, the child side owns the workspace.
type harness struct {
	t         *testing.T
	core      *core.Core
	mock      *provider.Mock
	sessionID int
	child     *session.Manager
	loop      *Loop
	done      chan error
}

func newHarness(t *testing.T, tmpl *session.Template, allow *approval.Allowlist, unattended bool) *harness {
	t.Helper()

	c, err := core.New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	mock := provider.NewMock()
	c.Providers.Register(mock)

	host := bridge.NewHost(supervisor.NewHostRouter(c), nil)
	builtin.RegisterFS(c.Tools)
	builtin.RegisterSessionTools(c.Tools, &builtin.HostDeps{
		Sessions: c.Sessions,
		Groups:   c.Groups,
		Records:  c.Records,
		Template: func(string) (*session.Template, error) { return tmpl, nil },
		Deliver:  host.SendToContainer,
	})

	s, err := c.Sessions.Create("e2e", tmpl)
	if err != nil {
		t.Fatal(err)
	}
	id := s.Metadata.ID
	if err := supervisor.ProvisionWorkspace(c.Sessions, s); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	listener, err := net.Listen("unix", c.SessionSocketPath(id))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go host.ServeConn(ctx, id, conn)
		}
	}()

	ws := c.Sessions.WorkspaceDir(id)
	childMgr := session.NewManager(ws, nil)
	childRecords := approval.NewRecords(ws, nil)
	states := tool.NewStates()
	registry := tool.NewRegistry()
	gate := &ApprovalGate{SessionID: id, Sessions: childMgr, Records: childRecords}
	builtin.RegisterFS(registry)
	builtin.RegisterShell(registry, &builtin.Gate{
		Allowlist:  allow,
		Unattended: unattended,
		Approver:   gate,
	})
	builtin.RegisterHuman(registry, gate)

	link, err := bridge.DialHost(ctx, c.SessionSocketPath(id), NewRouter(id, childMgr, states, registry), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { link.Close() })
	go link.Serve(ctx)
	gate.Notify = link.Notify

	return &harness{
		t:         t,
		core:      c,
		mock:      mock,
		sessionID: id,
		child:     childMgr,
		loop: &Loop{
			SessionID: id,
			Sessions:  childMgr,
			Registry:  registry,
			States:    states,
			Channel:   &HostChannel{Link: link},
			Interval:  20 * time.Millisecond,
		},
	}
}

func (h *harness) send(text string) {
	h.t.Helper()
	s, err := h.child.Get(h.sessionID)
	if err != nil {
		h.t.Fatal(err)
	}
	s.AppendMessage(chat.UserMessage(text))
	if err := h.child.Put(s); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) run() {
	h.done = make(chan error, 1)
	go func() { h.done <- h.loop.Run(context.Background()) }()
}

func (h *harness) waitDone() {
	h.t.Helper()
	select {
	case err := <-h.done:
		if err != nil {
			h.t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		h.t.Fatal("loop did not finish")
	}
}

func (h *harness) waitStatus(want string) *session.Session {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := h.child.Get(h.sessionID)
		if err != nil {
			h.t.Fatal(err)
		}
		if s.Spec.Status == want {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	s, _ := h.child.Get(h.sessionID)
	h.t.Fatalf("status = %s, want %s", s.Spec.Status, want)
	return nil
}

func (h *harness) session() *session.Session {
	h.t.Helper()
	s, err := h.child.Get(h.sessionID)
	if err != nil {
		h.t.Fatal(err)
	}
	return s
}

// hostTool runs one of the daemon's human-only tools, the way a CLI
// command line reaches it through the control socket.
func (h *harness) hostTool(name string, args ...string) tool.Outcome {
	h.t.Helper()
	t, ok := h.core.Tools.Get(name)
	if !ok {
		h.t.Fatalf("host tool %s not registered", name)
	}
	return tool.Execute(context.Background(), t, &tool.Call{Positional: args})
}

func echoTemplate() *session.Template {
	tmpl := session.DefaultTemplate("mock:echo")
	tmpl.Spec.Tools = nil
	tmpl.Spec.SystemPrompt = "You are an echo."
	return tmpl
}

func toolTemplate(tools ...string) *session.Template {
	tmpl := session.DefaultTemplate("mock:test")
	tmpl.Spec.Tools = nil
	for _, name := range tools {
		tmpl.Spec.Tools = append(tmpl.Spec.Tools, session.ToolRef{Name: name})
	}
	return tmpl
}

func TestSessionCompletesWithoutTools(t *testing.T) {
	h := newHarness(t, echoTemplate(), &approval.Allowlist{}, false)
	h.mock.EnqueueText("Pong")
	h.send("Ping")

	h.run()
	h.waitDone()

	s := h.session()
	if s.Spec.Status != session.StatusSuccess {
		t.Errorf("status = %s", s.Spec.Status)
	}
	n := len(s.Spec.Messages)
	if n < 2 || s.Spec.Messages[n-2].Content != "Ping" || s.Spec.Messages[n-1].Content != "Pong" {
		t.Errorf("messages = %+v", s.Spec.Messages)
	}
	if !s.Spec.SystemPromptEvaluated {
		t.Error("system prompt not rendered")
	}
}

func TestHostExecutedToolRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "probe.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, toolTemplate("fs__directory__list"), &approval.Allowlist{}, false)
	h.mock.EnqueueToolCall("call_ls", "fs__directory__list", `{"path": `+strconv.Quote(dir)+`}`)
	h.mock.EnqueueText("done")
	h.send("ls " + dir)

	h.run()
	h.waitDone()

	s := h.session()
	if s.Spec.Status != session.StatusSuccess {
		t.Errorf("status = %s", s.Spec.Status)
	}
	var listing string
	for _, m := range s.Spec.Messages {
		if m.Role == chat.RoleTool && m.ToolCallID == "call_ls" {
			listing = m.Content
		}
	}
	if !strings.Contains(listing, "probe.txt") {
		t.Errorf("tool message = %q", listing)
	}
	if s.Spec.Messages[len(s.Spec.Messages)-1].Content != "done" {
		t.Errorf("final message = %+v", s.Spec.Messages[len(s.Spec.Messages)-1])
	}

	// The execution happened on the host, so its audit trail has it.
	events, err := h.core.Events.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range events {
		if ev.Tool == "fs__directory__list" {
			found = true
		}
	}
	if !found {
		t.Error("no host tool_call event recorded")
	}
}

func TestUnattendedDenyFailsWithoutPausing(t *testing.T) {
	allow := &approval.Allowlist{Rules: map[string]approval.Rule{"rm": {Approve: false}}}
	h := newHarness(t, toolTemplate("shell__execute"), allow, true)
	h.mock.EnqueueToolCall("call_rm", "shell__execute", `{"command": "rm -rf build"}`)
	h.mock.EnqueueText("understood")
	h.send("clean the build dir")

	h.run()
	h.waitDone()

	s := h.session()
	if s.Spec.Status != session.StatusSuccess {
		t.Errorf("status = %s", s.Spec.Status)
	}
	var denied string
	for _, m := range s.Spec.Messages {
		if m.Role == chat.RoleTool && m.ToolCallID == "call_rm" {
			denied = m.Content
		}
	}
	if !strings.Contains(denied, "rm") {
		t.Errorf("tool message = %q", denied)
	}
	pending, err := h.core.Records.PendingApprovals()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("unattended deny created approvals: %+v", pending)
	}
}

func TestApprovalPausesAndResumes(t *testing.T) {
	h := newHarness(t, toolTemplate("shell__execute"), &approval.Allowlist{}, false)
	h.mock.EnqueueToolCall("call_push", "shell__execute", `{"command": "echo pushed"}`)
	h.mock.EnqueueText("done")
	h.send("push it")

	h.run()
	h.waitStatus(session.StatusPaused)

	// The child's notify lands on the host asynchronously.
	var pending []*approval.Approval
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		pending, err = h.core.Records.PendingApprovals()
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) != 1 || pending[0].Metadata.ToolCallID != "call_push" {
		t.Fatalf("pending = %+v", pending)
	}

	out := h.hostTool("approve", strconv.Itoa(pending[0].Metadata.ID), "APPROVE")
	if out.Status != tool.StatusSuccess {
		t.Fatalf("approve outcome = %+v", out)
	}

	h.waitDone()
	s := h.session()
	if s.Spec.Status != session.StatusSuccess {
		t.Errorf("status = %s", s.Spec.Status)
	}
	var result string
	for _, m := range s.Spec.Messages {
		if m.Role == chat.RoleTool && m.ToolCallID == "call_push" {
			result = m.Content
		}
	}
	if !strings.Contains(result, "pushed") {
		t.Errorf("tool message = %q", result)
	}
}

func TestQuestionAnswerResumesWithSyntheticMessage(t *testing.T) {
	h := newHarness(t, toolTemplate("human__ask"), &approval.Allowlist{}, false)
	h.mock.EnqueueToolCall("call_q", "human__ask", `{"question": "file?"}`)
	h.mock.EnqueueText("using foo.txt")
	h.send("which file should I edit?")

	h.run()
	h.waitStatus(session.StatusPaused)

	var pending []*approval.Question
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		pending, err = h.core.Records.PendingQuestions()
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) != 1 || pending[0].Spec.Question != "file?" {
		t.Fatalf("pending = %+v", pending)
	}

	out := h.hostTool("answer", strconv.Itoa(pending[0].Metadata.ID), "foo.txt")
	if out.Status != tool.StatusSuccess {
		t.Fatalf("answer outcome = %+v", out)
	}

	h.waitDone()
	s := h.session()
	if s.Spec.Status != session.StatusSuccess {
		t.Errorf("status = %s", s.Spec.Status)
	}
	var answers []string
	for _, m := range s.Spec.Messages {
		if m.Role == chat.RoleTool && m.ToolCallID == "call_q" {
			answers = append(answers, m.Content)
		}
	}
	if len(answers) != 1 || answers[0] != "foo.txt" {
		t.Errorf("tool messages for call_q = %+v", answers)
	}
}
