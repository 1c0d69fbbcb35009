package bridge

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPendingResolve(t *testing.T) {
	p := NewPending()
	ch := p.register("7")

	ok := true
	if !p.Resolve(&Message{Type: TypeCommandResponse, MessageID: float64(7), Success: &ok}) {
		t.Fatal("Resolve returned false for registered waiter")
	}
	select {
	case msg := <-ch:
		if !msg.OK() {
			t.Errorf("resolved message = %+v", msg)
		}
	default:
		t.Fatal("waiter channel empty after Resolve")
	}

	// Second resolution finds no waiter.
	if p.Resolve(&Message{MessageID: float64(7)}) {
		t.Error("Resolve matched a cleared waiter")
	}
}

func TestPendingAwaitTimeout(t *testing.T) {
	p := NewPending()
	_, err := p.Await(context.Background(), "9", 20*time.Millisecond)
	if err == nil {
		t.Fatal("want timeout error")
	}
	// The entry is cleared, so a late reply is dropped.
	if p.Resolve(&Message{MessageID: float64(9)}) {
		t.Error("late reply matched a timed-out waiter")
	}
}

func TestRouterDispatch(t *testing.T) {
	r := NewRouter()
	r.SetDefaultSession(4)

	var gotSession int
	r.Handle(TypeCommand, func(ctx context.Context, msg *Message) (*Message, error) {
		gotSession = msg.SessionID
		return SuccessResponse(TypeCommandResponse, msg.MessageID, "ok")
	})

	resp, err := r.Route(context.Background(), &Message{Type: TypeCommand})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if gotSession != 4 {
		t.Errorf("default session = %d, want 4", gotSession)
	}
	if !resp.OK() {
		t.Errorf("response = %+v", resp)
	}

	if _, err := r.Route(context.Background(), &Message{Type: "bogus"}); err == nil {
		t.Error("want error for unknown type")
	}
}

// startHost wires a Host to a unix socket listener that serves one
// child connection per session id 1.
func startHost(t *testing.T, router *Router) (*Host, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "1.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	host := NewHost(router, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := l.Accept()
		if err != nil {
			return
		}
		host.ServeConn(context.Background(), 1, conn)
	}()
	t.Cleanup(func() {
		l.Close()
		<-done
	})
	return host, sock
}

func TestChildHostRoundTrip(t *testing.T) {
	hostRouter := NewRouter()
	hostRouter.Handle(TypeAIPromptRequest, func(ctx context.Context, msg *Message) (*Message, error) {
		return SuccessResponse(TypeAIPromptResponse, msg.MessageID, map[string]string{"content": "hi"})
	})
	_, sock := startHost(t, hostRouter)

	childRouter := NewRouter()
	link, err := DialHost(context.Background(), sock, childRouter, nil)
	if err != nil {
		t.Fatalf("DialHost: %v", err)
	}
	defer link.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		link.Serve(ctx)
	}()
	defer func() {
		link.Close()
		<-serveDone
	}()

	resp, err := link.SendToHost(ctx, &Message{
		Type:   TypeAIPromptRequest,
		Prompt: &PromptPayload{Model: "mock:any"},
	})
	if err != nil {
		t.Fatalf("SendToHost: %v", err)
	}
	if !resp.OK() || resp.Type != TypeAIPromptResponse {
		t.Errorf("response = %+v", resp)
	}
}

func TestHostSendToContainer(t *testing.T) {
	host, sock := startHost(t, NewRouter())

	received := make(chan *Message, 1)
	childRouter := NewRouter()
	childRouter.Handle(TypeApprovalResponse, func(ctx context.Context, msg *Message) (*Message, error) {
		received <- msg
		return nil, nil
	})
	link, err := DialHost(context.Background(), sock, childRouter, nil)
	if err != nil {
		t.Fatalf("DialHost: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		link.Serve(ctx)
	}()
	defer func() {
		link.Close()
		<-serveDone
	}()

	// Registration races the dial; poll until the host sees the child.
	deadline := time.After(2 * time.Second)
	var sent bool
	for !sent {
		select {
		case <-deadline:
			t.Fatal("host never accepted the child connection")
		default:
		}
		err := host.SendToContainer(1, &Message{
			Type:     TypeApprovalResponse,
			Approval: &ApprovalPayload{ApprovalID: 3, Choice: ChoiceApprove},
		})
		if err == nil {
			sent = true
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}

	select {
	case msg := <-received:
		if msg.Approval.Choice != ChoiceApprove {
			t.Errorf("choice = %q", msg.Approval.Choice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("child never received the approval response")
	}
}

func TestChildTimeoutWhenHostSilent(t *testing.T) {
	// Host with no handlers: requests route to an error response, but a
	// host that never answers must yield a timeout on the child side.
	sock := filepath.Join(t.TempDir(), "1.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	t.Cleanup(func() { l.Close() })

	link, err := DialHost(context.Background(), sock, NewRouter(), nil)
	if err != nil {
		t.Fatalf("DialHost: %v", err)
	}
	defer link.Close()
	link.timeout = 50 * time.Millisecond

	_, err = link.SendToHost(context.Background(), &Message{Type: TypeCommand})
	if err == nil {
		t.Fatal("want timeout error")
	}
	if conn := <-accepted; conn != nil {
		conn.Close()
	}
}
