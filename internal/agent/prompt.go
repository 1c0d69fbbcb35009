package agent

import (
	"os"
	"strings"
)

// RenderSystemPrompt expands template markers against the child's own
// environment: {{hostname}} and $VAR / ${VAR} forms. Rendering happens
// once per session; the result is persisted back to the record.
func RenderSystemPrompt(text string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	text = strings.ReplaceAll(text, "{{hostname}}", hostname)
	return os.Expand(text, os.Getenv)
}
