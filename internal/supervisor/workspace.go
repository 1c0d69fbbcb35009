package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/capstan-dev/capstan/internal/session"
	"github.com/capstan-dev/capstan/internal/store"
)

// workspaceDirs are created inside every session workspace so the
// child finds the same db layout it would at an install root.
var workspaceDirs = []string{
	filepath.Join("db", "sessions"),
	filepath.Join("db", "sockets"),
	filepath.Join("db", "approvals"),
	filepath.Join("db", "questions"),
}

// ProvisionWorkspace creates the session's workspace tree and seeds the
// session record inside it. From that point on the workspace copy is
// the authoritative record.
func ProvisionWorkspace(mgr *session.Manager, s *session.Session) error {
	root := mgr.WorkspaceDir(s.Metadata.ID)
	for _, d := range workspaceDirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return fmt.Errorf("provisioning workspace for session %d: %w", s.Metadata.ID, err)
		}
	}

	seed := store.NewCollection[*session.Session](filepath.Join(root, "db", "sessions"), nil)
	seed.Set(s.ID(), s)
	if err := seed.Save(); err != nil {
		return fmt.Errorf("seeding workspace record for session %d: %w", s.Metadata.ID, err)
	}
	return nil
}

// pidPath is where a spawned child's process id is recorded.
func pidPath(mgr *session.Manager, sessionID int) string {
	return filepath.Join(mgr.WorkspaceDir(sessionID), "db", "child.pid")
}

func writePID(mgr *session.Manager, sessionID, pid int) error {
	return os.WriteFile(pidPath(mgr, sessionID), []byte(strconv.Itoa(pid)), 0o644)
}

// readPID returns the recorded child pid, or 0 when none is recorded.
func readPID(mgr *session.Manager, sessionID int) int {
	data, err := os.ReadFile(pidPath(mgr, sessionID))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
