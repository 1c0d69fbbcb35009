package session

import "github.com/capstan-dev/capstan/internal/fsm"

// Transition actions.
const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionFail     = "fail"
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionStop     = "stop"
	ActionRun      = "run"
	ActionRetry    = "retry"
)

// StatusMachine returns the session status transition table. Unlisted
// transitions are rejected by the machine.
func StatusMachine() *fsm.Machine {
	return fsm.New().
		Add(ActionStart, StatusRunning, StatusPending).
		Add(ActionComplete, StatusSuccess, StatusRunning).
		Add(ActionFail, StatusError, StatusRunning).
		Add(ActionPause, StatusPaused, StatusPending, StatusRunning).
		Add(ActionResume, StatusPending, StatusPaused).
		Add(ActionStop, StatusStopped, StatusPending, StatusRunning, StatusPaused).
		Add(ActionRun, StatusRunning, StatusStopped).
		Add(ActionRetry, StatusPending, StatusSuccess, StatusError)
}
