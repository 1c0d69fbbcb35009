// Package agent runs the per-session conversation loop inside a child
// process: poll the session record, prompt the model through the host,
// execute tool calls, and persist every message back to disk.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/capstan-dev/capstan/internal/bridge"
	"github.com/capstan-dev/capstan/internal/chat"
	"github.com/capstan-dev/capstan/internal/provider"
	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/tool"
)

// DefaultInterval is the tick period between session polls.
const DefaultInterval = 2 * time.Second

// maxResultBytes caps a tool result rendered into the message log.
const maxResultBytes = 16 * 1024

// Loop drives one session. Every tick reloads the record from disk so
// CLI edits, pause and stop transitions, and new user messages made by
// other processes are observed.
type Loop struct {
	SessionID int
	Sessions  *session.Manager
	Registry  *tool.Registry
	States    *tool.States
	Channel   Channel
	Logger    *log.Logger
	Interval  time.Duration

	// Signals enables the SIGUSR1/SIGUSR2 watcher. Off in tests.
	Signals bool

	mu        sync.Mutex
	failed    map[string]bool
	abortTick context.CancelFunc
}

// Run ticks until the session reaches a terminal status or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if l.Interval == 0 {
		l.Interval = DefaultInterval
	}
	if l.Logger == nil {
		l.Logger = log.Default()
	}
	l.failed = make(map[string]bool)

	if l.Signals {
		stop := l.watchSignals(ctx)
		defer stop()
	}

	if err := l.startup(); err != nil {
		return err
	}

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	for {
		done, err := l.tick(ctx)
		if err != nil {
			l.Logger.Error("tick", "session", l.SessionID, "err", err)
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// startup renders the system prompt once and moves a PENDING session to
// RUNNING.
func (l *Loop) startup() error {
	s, err := l.Sessions.Get(l.SessionID)
	if err != nil {
		return fmt.Errorf("loading session %d: %w", l.SessionID, err)
	}
	if !s.Spec.SystemPromptEvaluated && s.Spec.SystemPrompt != "" {
		s.Spec.SystemPrompt = RenderSystemPrompt(s.Spec.SystemPrompt)
		s.Spec.SystemPromptEvaluated = true
		if err := l.Sessions.Put(s); err != nil {
			return fmt.Errorf("persisting rendered prompt: %w", err)
		}
	}
	if s.Spec.Status == session.StatusPending {
		if _, err := l.Sessions.Transition(l.SessionID, session.ActionStart); err != nil {
			return fmt.Errorf("starting session %d: %w", l.SessionID, err)
		}
	}
	return nil
}

// watchSignals pauses the session on SIGUSR1 and stops it on SIGUSR2,
// aborting any in-flight provider call either way.
func (l *Loop) watchSignals(ctx context.Context) func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				action := session.ActionPause
				if sig == syscall.SIGUSR2 {
					action = session.ActionStop
				}
				if _, err := l.Sessions.Transition(l.SessionID, action); err != nil {
					l.Logger.Warn("signal transition", "signal", sig, "err", err)
				}
				l.abort()
			}
		}
	}()
	return func() { signal.Stop(ch) }
}

func (l *Loop) abort() {
	l.mu.Lock()
	cancel := l.abortTick
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Loop) setAbort(cancel context.CancelFunc) {
	l.mu.Lock()
	l.abortTick = cancel
	l.mu.Unlock()
}

// tick processes one poll of the session. It reports done=true when the
// session has reached a status that ends the child.
func (l *Loop) tick(ctx context.Context) (bool, error) {
	tickCtx, cancel := context.WithCancel(ctx)
	l.setAbort(cancel)
	defer func() {
		l.setAbort(nil)
		cancel()
	}()

	s, err := l.Sessions.Get(l.SessionID)
	if err != nil {
		return false, fmt.Errorf("reloading session: %w", err)
	}

	switch s.Spec.Status {
	case session.StatusPaused:
		return false, nil
	case session.StatusStopped, session.StatusSuccess, session.StatusError:
		return true, nil
	case session.StatusPending:
		if s, err = l.Sessions.Transition(l.SessionID, session.ActionStart); err != nil {
			return false, fmt.Errorf("restarting session: %w", err)
		}
	}

	last := s.LastMessage()
	if last == nil {
		return false, nil
	}

	switch {
	case last.Role == chat.RoleAssistant && len(unresolved(s, last)) > 0:
		return false, l.runToolCalls(tickCtx, s, last)
	case last.Role == chat.RoleUser || last.Role == chat.RoleTool:
		return l.promptModel(tickCtx, s)
	default:
		return false, nil
	}
}

// unresolved returns the assistant message's tool calls that have no
// tool message answering them yet.
func unresolved(s *session.Session, assistant *chat.Message) []chat.ToolCall {
	answered := make(map[string]bool)
	for _, m := range s.Spec.Messages {
		if m.Role == chat.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}
	var out []chat.ToolCall
	for _, tc := range assistant.ToolCalls {
		if !answered[tc.ID] {
			out = append(out, tc)
		}
	}
	return out
}

// promptModel sends the conversation to the model and appends the
// merged assistant message. A failed attempt is remembered by message
// count so the same prompt is not retried every tick.
func (l *Loop) promptModel(ctx context.Context, s *session.Session) (bool, error) {
	key := fmt.Sprintf("%d:%d", l.SessionID, len(s.Spec.Messages))
	l.mu.Lock()
	skip := l.failed[key]
	l.mu.Unlock()
	if skip {
		return false, nil
	}

	resp, err := l.Channel.Prompt(ctx, &bridge.PromptPayload{
		Model:    s.Spec.Model,
		System:   s.Spec.SystemPrompt,
		Messages: s.Spec.Messages,
		Tools:    l.offers(s),
	})
	if err != nil {
		l.mu.Lock()
		l.failed[key] = true
		l.mu.Unlock()
		return false, fmt.Errorf("prompting model: %w", err)
	}
	l.mu.Lock()
	l.failed = make(map[string]bool)
	l.mu.Unlock()

	merged, finish := MergeChoices(resp)
	s, err = l.appendMessage(merged, &resp.Usage)
	if err != nil {
		return false, err
	}

	switch finish {
	case provider.FinishToolCalls:
		if len(merged.ToolCalls) == 0 {
			return false, nil
		}
		return false, l.runToolCalls(ctx, s, s.LastMessage())
	case provider.FinishStop, provider.FinishEndTurn:
		if len(merged.ToolCalls) > 0 {
			return false, l.runToolCalls(ctx, s, s.LastMessage())
		}
		if _, err := l.Sessions.Transition(l.SessionID, session.ActionComplete); err != nil {
			return false, fmt.Errorf("completing session: %w", err)
		}
		return true, nil
	default:
		return false, nil
	}
}

// offers builds the tool list for the model from the session's tool
// allowlist, skipping unknown and human-only entries.
func (l *Loop) offers(s *session.Session) []bridge.ToolOffer {
	var offers []bridge.ToolOffer
	for _, name := range s.ToolNames() {
		t, ok := l.Registry.Get(name)
		if !ok || t.Meta.HumanOnly {
			continue
		}
		offers = append(offers, bridge.ToolOffer{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return offers
}

// runToolCalls executes every unanswered call on the assistant message.
// RUNNING outcomes park without a tool message; terminal outcomes
// append one.
func (l *Loop) runToolCalls(ctx context.Context, s *session.Session, assistant *chat.Message) error {
	for _, tc := range unresolved(s, assistant) {
		out := l.invoke(ctx, s, tc)
		l.States.Update(l.SessionID, tc.ID, out)
		if !out.Terminal() {
			continue
		}
		msg := chat.ToolMessage(tc.ID, tc.Function.Name, renderOutcome(out))
		if _, err := l.appendMessage(msg, nil); err != nil {
			return err
		}
	}
	return nil
}

// invoke runs one tool call on the proper side.
func (l *Loop) invoke(ctx context.Context, s *session.Session, tc chat.ToolCall) tool.Outcome {
	t, ok := l.Registry.Get(tc.Function.Name)
	if !ok {
		return tool.Failure(fmt.Sprintf("unknown tool: %s", tc.Function.Name))
	}
	if t.Meta.HumanOnly {
		return tool.Failure(fmt.Sprintf("tool %s is not available to the model", tc.Function.Name))
	}

	args := make(map[string]any)
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return tool.Failure(fmt.Sprintf("parsing arguments for %s: %v", tc.Function.Name, err))
		}
	}
	opts := s.ToolOptions(tc.Function.Name)

	if t.RunsOnHost(l.SessionID) || opts["exec_on"] == "host_danger" {
		return l.Channel.CallOnHost(ctx, l.SessionID, &tc)
	}

	cs := l.States.Ensure(l.SessionID, tc.ID)
	call := &tool.Call{
		SessionID:    l.SessionID,
		ToolCallID:   tc.ID,
		Args:         args,
		Options:      opts,
		State:        cs.State,
		ExternalData: cs.ExternalData,
	}
	return tool.Execute(ctx, t, call)
}

// appendMessage reloads the session before persisting so messages added
// by other processes since the tick's read are not dropped.
func (l *Loop) appendMessage(msg chat.Message, usage *chat.Usage) (*session.Session, error) {
	s, err := l.Sessions.Get(l.SessionID)
	if err != nil {
		return nil, fmt.Errorf("reloading before append: %w", err)
	}
	s.AppendMessage(msg)
	if usage != nil {
		total := *usage
		if s.Spec.Usage != nil {
			total.PromptTokens += s.Spec.Usage.PromptTokens
			total.CompletionTokens += s.Spec.Usage.CompletionTokens
			total.TotalTokens += s.Spec.Usage.TotalTokens
		}
		s.Spec.Usage = &total
	}
	if err := l.Sessions.Put(s); err != nil {
		return nil, fmt.Errorf("persisting message: %w", err)
	}
	return s, nil
}

// renderOutcome serializes a tool outcome for the message log. String
// results pass through; anything else is JSON. Oversized output is
// truncated with a marker.
func renderOutcome(out tool.Outcome) string {
	var text string
	switch {
	case out.Status == tool.StatusFailure:
		text = "Error: " + out.Error
		if out.Result != nil {
			if extra := renderResult(out.Result); extra != "" {
				text += "\n" + extra
			}
		}
	default:
		text = renderResult(out.Result)
	}
	if len(text) > maxResultBytes {
		text = text[:maxResultBytes] + "\n[truncated]"
	}
	return text
}

func renderResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
