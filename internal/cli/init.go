// init.go implements "capstan init", which prepares an installation
// root: config, allowlist, a default template, and the db layout.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/capstan-dev/capstan/internal/config"
	"github.com/capstan-dev/capstan/internal/session"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize an installation root",
	Long: `Create the installation directory with a default config.yml,
an allowlist seeded with safe read-only commands, a default session
template, and the db/ runtime layout.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

const defaultAllowlist = `# Command approval rules. A pattern maps to true (auto-approve),
# false (deny), or {approve: bool, matchCommandLine: bool}.
ls: true
cat: true
pwd: true
echo: true
git status: true
git diff: true
git log: true
rm: false
`

func runInit(cmd *cobra.Command, args []string) error {
	root := installRoot()

	if _, err := os.Stat(filepath.Join(root, "config.yml")); err == nil {
		return fmt.Errorf("%s already initialized", root)
	}

	cfg := config.DefaultConfig()
	if err := config.WriteConfig(root, cfg); err != nil {
		return err
	}

	allowPath := cfg.AllowlistPath(root)
	if err := os.WriteFile(allowPath, []byte(defaultAllowlist), 0o644); err != nil {
		return fmt.Errorf("writing allowlist: %w", err)
	}

	for _, dir := range []string{
		filepath.Join(root, "db", "sessions"),
		filepath.Join(root, "db", "groups"),
		filepath.Join(root, "db", "approvals"),
		filepath.Join(root, "db", "questions"),
		filepath.Join(root, "db", "workspaces"),
		session.TemplateDir(root),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := writeDefaultTemplate(root, cfg.Model); err != nil {
		return err
	}

	fmt.Printf("Initialized capstan in %s\n", root)
	fmt.Println("Next: set provider credentials in .env and start the daemon with: capstan daemon")
	return nil
}

func writeDefaultTemplate(root, model string) error {
	path := filepath.Join(session.TemplateDir(root), "default.yaml")
	tmpl := fmt.Sprintf(`apiVersion: %s
kind: Agent
metadata:
  name: default
  description: General-purpose agent with the standard tool set.
spec:
  model: %s
  tools:
    - fs__directory__list
    - fs__file__read
    - fs__file__write
    - shell__execute
    - human__ask
  systemPrompt: |
    You are an agent running on {{hostname}}. Work the task given in
    the conversation and use the available tools when needed.
`, session.APIVersion, model)
	if err := os.WriteFile(path, []byte(tmpl), 0o644); err != nil {
		return fmt.Errorf("writing default template: %w", err)
	}
	return nil
}
