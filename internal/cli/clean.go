// clean.go implements "capstan clean" for removing finished sessions
// and their workspaces.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capstan-dev/capstan/internal/session"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove deleted and finished sessions",
	Long: `Remove soft-deleted sessions and their workspaces from the
installation. With --all, finished sessions (SUCCESS, ERROR, STOPPED)
are removed too. Once every session is gone, ids restart at 1.

Use --dry-run to preview what would be removed.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

var (
	cleanAllFlag    bool
	cleanDryRunFlag bool
)

func init() {
	cleanCmd.Flags().BoolVar(&cleanAllFlag, "all", false, "Also remove finished sessions")
	cleanCmd.Flags().BoolVar(&cleanDryRunFlag, "dry-run", false, "Preview what would be removed without deleting")
}

func runClean(cmd *cobra.Command, args []string) error {
	mgr := session.NewManager(installRoot(), newLogger())

	sessions, err := mgr.ListAll()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	verb := "Removed"
	if cleanDryRunFlag {
		verb = "Would remove"
	}

	removed := 0
	for _, s := range sessions {
		if !cleanable(s) {
			continue
		}
		if !cleanDryRunFlag {
			if err := os.RemoveAll(mgr.WorkspaceDir(s.Metadata.ID)); err != nil {
				fmt.Printf("  skipping session %d: %v\n", s.Metadata.ID, err)
				continue
			}
			if err := mgr.Purge(s.Metadata.ID); err != nil {
				fmt.Printf("  skipping session %d: %v\n", s.Metadata.ID, err)
				continue
			}
		}
		fmt.Printf("  %s session %d (%s, %s)\n", verb, s.Metadata.ID, s.Metadata.Name, s.Spec.Status)
		removed++
	}

	if removed == 0 {
		fmt.Println("Nothing to clean up.")
		return nil
	}
	fmt.Printf("%s %d session(s).\n", verb, removed)
	return nil
}

func cleanable(s *session.Session) bool {
	if s.Deleted() {
		return true
	}
	if !cleanAllFlag {
		return false
	}
	switch s.Spec.Status {
	case session.StatusSuccess, session.StatusError, session.StatusStopped:
		return true
	}
	return false
}
