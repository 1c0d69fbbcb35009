// Package builtin registers the standard tool catalog: filesystem,
// shell and pty execution behind the approval pipeline, the human
// question channel, session and group management, and web search.
package builtin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/capstan-dev/capstan/internal/tool"
)

// argString returns the named argument, falling back to the joined
// positional tokens.
func argString(call *tool.Call, key string) string {
	if v, ok := call.Args[key].(string); ok && v != "" {
		return v
	}
	return strings.TrimSpace(strings.Join(call.Positional, " "))
}

// argInt returns the named argument as an int, falling back to the
// positional token at pos.
func argInt(call *tool.Call, key string, pos int) (int, error) {
	if v, ok := call.Args[key]; ok {
		switch n := v.(type) {
		case int:
			return n, nil
		case float64:
			return int(n), nil
		case string:
			return strconv.Atoi(n)
		}
	}
	if pos < len(call.Positional) {
		return strconv.Atoi(call.Positional[pos])
	}
	return 0, fmt.Errorf("missing %s", key)
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func intProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}
