// Package cli defines the Cobra command tree for the capstan binary:
// the daemon, the hidden per-session child, and the short-lived client
// commands that talk to the daemon over the control socket.
package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	rootFlag    string
	verboseFlag bool
	version     = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "capstan",
	Short: "Agent execution platform",
	Long: `Capstan runs LLM agent sessions as supervised child processes.
The daemon owns the session records, spawns one child per active
session, and brokers model calls, tool execution, and human approval
over unix sockets.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// installRoot resolves the installation directory: the --root flag,
// then $CAPSTAN_ROOT, then .capstan in the working directory.
func installRoot() string {
	if rootFlag != "" {
		return rootFlag
	}
	if env := os.Getenv("CAPSTAN_ROOT"); env != "" {
		return env
	}
	return ".capstan"
}

// newLogger builds the process logger. A terminal gets human-readable
// output; a pipe gets logfmt.
func newLogger() *log.Logger {
	level := log.InfoLevel
	if verboseFlag {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
	})
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		logger.SetFormatter(log.LogfmtFormatter)
	}
	return logger
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "Installation root (default $CAPSTAN_ROOT or .capstan)")
	rootCmd.PersistentFlags().BoolVar(&verboseFlag, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(childCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(questionsCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(cmdCmd)
}
