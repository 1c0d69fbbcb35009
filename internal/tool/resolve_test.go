package tool

import (
	"context"
	"reflect"
	"testing"
)

func TestSplitArgv(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"session list", []string{"session", "list"}},
		{`shell exec "ls -la"`, []string{"shell", "exec", "ls -la"}},
		{`send 'hello world'`, []string{"send", "hello world"}},
		{`fs file read {"path": "/tmp/a b"}`, []string{"fs", "file", "read", `{"path": "/tmp/a b"}`}},
		{`group add [1, 2, 3]`, []string{"group", "add", `[1, 2, 3]`}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := SplitArgv(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitArgv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func noop(ctx context.Context, call *Call) Outcome { return Success(nil) }

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, name := range []string{"shell__execute", "session__list", "session__new", "fs__file__read"} {
		if err := r.Register(&Tool{Name: name, Handler: noop}); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestResolveGlueLookup(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		line     string
		wantName string
		wantArgs []string
	}{
		{"session list", "session__list", nil},
		{"session new worker", "session__new", []string{"worker"}},
		{"shell execute ls -la", "shell__execute", []string{"ls", "-la"}},
		{"fs file read /tmp/x", "fs__file__read", []string{"/tmp/x"}},
		{"session__list", "session__list", nil},
	}
	for _, tt := range tests {
		res, err := r.Resolve(tt.line)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.line, err)
			continue
		}
		if res.Name != tt.wantName {
			t.Errorf("Resolve(%q) name = %s, want %s", tt.line, res.Name, tt.wantName)
		}
		if len(res.Args) != len(tt.wantArgs) {
			t.Errorf("Resolve(%q) args = %q, want %q", tt.line, res.Args, tt.wantArgs)
			continue
		}
		for i := range res.Args {
			if res.Args[i] != tt.wantArgs[i] {
				t.Errorf("Resolve(%q) args = %q, want %q", tt.line, res.Args, tt.wantArgs)
				break
			}
		}
	}
}

func TestResolveFirstGlueHitWins(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&Tool{Name: "session", Handler: noop})
	r.MustRegister(&Tool{Name: "session__list", Handler: noop})

	res, err := r.Resolve("session list")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// The bare name matches before any gluing happens.
	if res.Name != "session" || len(res.Args) != 1 || res.Args[0] != "list" {
		t.Errorf("resolution = %+v", res)
	}
}

func TestResolveAliasPrecedence(t *testing.T) {
	r := testRegistry(t)
	r.MustRegister(&Tool{
		Name:    "alias_only",
		Handler: noop,
		Alias: func(argv []string) (string, []string, bool) {
			if argv[0] == "ls" {
				return "fs__file__read", append([]string{"--list"}, argv[1:]...), true
			}
			return "", nil, false
		},
	})

	res, err := r.Resolve("ls /etc")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Name != "fs__file__read" {
		t.Errorf("alias resolution name = %s", res.Name)
	}
	if len(res.Args) != 2 || res.Args[0] != "--list" || res.Args[1] != "/etc" {
		t.Errorf("alias args = %q", res.Args)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := testRegistry(t)
	if _, err := r.Resolve("does not exist"); err == nil {
		t.Error("want command-not-found error")
	}
	if _, err := r.Resolve(""); err == nil {
		t.Error("want error for empty command")
	}
}

func TestResolveMissingHandler(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&Tool{Name: "ghost__tool"})
	if _, err := r.Resolve("ghost tool"); err == nil {
		t.Error("want command-not-found for handlerless tool")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Tool{Name: "x", Handler: noop}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Tool{Name: "x", Handler: noop}); err == nil {
		t.Error("want duplicate registration error")
	}
}

func TestRunsOnHost(t *testing.T) {
	tests := []struct {
		meta      Meta
		sessionID int
		want      bool
	}{
		{Meta{}, 3, false},
		{Meta{}, 0, true},
		{Meta{RequiresHostExecution: true}, 3, true},
		{Meta{LocalCommand: true}, 3, true},
	}
	for _, tt := range tests {
		tool := &Tool{Name: "t", Meta: tt.meta}
		if got := tool.RunsOnHost(tt.sessionID); got != tt.want {
			t.Errorf("RunsOnHost(%+v, %d) = %v, want %v", tt.meta, tt.sessionID, got, tt.want)
		}
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	tool := &Tool{Name: "boom", Handler: func(ctx context.Context, call *Call) Outcome {
		panic("kaput")
	}}
	out := Execute(context.Background(), tool, &Call{})
	if out.Status != StatusFailure || out.Error == "" {
		t.Errorf("outcome = %+v, want FAILURE", out)
	}
}
