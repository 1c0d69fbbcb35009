package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/capstan-dev/capstan/internal/tool"
)

// RegisterFS adds the filesystem tools. Directory listing runs on the
// host so the model can inspect the installation alongside its own
// workspace.
func RegisterFS(r *tool.Registry) {
	r.MustRegister(&tool.Tool{
		Name:        "fs__directory__list",
		Description: "List the entries of a directory.",
		Parameters: objectSchema(nil, map[string]any{
			"path": stringProp("directory to list, defaults to the current directory"),
		}),
		Meta:    tool.Meta{RequiresHostExecution: true},
		Handler: directoryList,
	})
	r.MustRegister(&tool.Tool{
		Name:        "fs__file__read",
		Description: "Read a file and return its contents.",
		Parameters: objectSchema([]string{"path"}, map[string]any{
			"path": stringProp("file to read"),
		}),
		Handler: fileRead,
	})
	r.MustRegister(&tool.Tool{
		Name:        "fs__file__write",
		Description: "Write content to a file, creating parent directories as needed.",
		Parameters: objectSchema([]string{"path", "content"}, map[string]any{
			"path":    stringProp("file to write"),
			"content": stringProp("full file content"),
		}),
		Handler: fileWrite,
	})
}

func directoryList(ctx context.Context, call *tool.Call) tool.Outcome {
	path := argString(call, "path")
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return tool.Failure(fmt.Sprintf("listing %s: %v", path, err))
	}
	listing := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{"name": e.Name(), "dir": e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			item["size"] = info.Size()
		}
		listing = append(listing, item)
	}
	return tool.Success(listing)
}

func fileRead(ctx context.Context, call *tool.Call) tool.Outcome {
	path := argString(call, "path")
	if path == "" {
		return tool.Failure("no path given")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return tool.Failure(fmt.Sprintf("reading %s: %v", path, err))
	}
	return tool.Success(string(data))
}

func fileWrite(ctx context.Context, call *tool.Call) tool.Outcome {
	path, _ := call.Args["path"].(string)
	content, _ := call.Args["content"].(string)
	if path == "" && len(call.Positional) > 0 {
		path = call.Positional[0]
		if len(call.Positional) > 1 {
			content = call.Positional[1]
		}
	}
	if path == "" {
		return tool.Failure("no path given")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return tool.Failure(fmt.Sprintf("creating %s: %v", dir, err))
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return tool.Failure(fmt.Sprintf("writing %s: %v", path, err))
	}
	return tool.Success(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}
