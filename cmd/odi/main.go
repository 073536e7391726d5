// Command odi is the workspace CLI: issue tracking, entity admin, sync
// against remotes, and workspace maintenance. Every subcommand operates
// on the workspace found above the current directory (or --workspace).
package main

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "odi",
	Short: "Distributed issue tracking without a central server",
	Long: `odi tracks issues in a content-addressed workspace that syncs
peer-to-peer over file, http, and ssh remotes, the way git moves
commits between repositories.

Every mutation becomes an immutable object; refs move under per-ref
locks, so any number of processes and agents can work the same
workspace. Divergent edits merge three-way during push and pull, and
whatever cannot merge becomes a conflict record for 'odi resolve'.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			ui.NoColor()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable styled output")
	rootCmd.PersistentFlags().StringP("workspace", "C", ".", "Run as if odi was started in this directory")
	rootCmd.AddGroup(
		&cobra.Group{ID: "work", Title: "Tracking Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed usage errors; anything else went
		// through fail inside the command.
		os.Exit(1)
	}
}

// exitCode maps an error onto the documented exit codes: validation 2,
// retriable 3, user action required 4, fatal 5, anything else 1.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case core.IsValidation(err):
		return 2
	case core.IsRetryable(err):
		return 3
	case core.IsUserActionRequired(err):
		return 4
	case core.IsFatal(err):
		return 5
	}
	return 1
}

// fail prints the error and exits with its mapped code.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}

// workspaceDir returns the directory the command should treat as its
// starting point, per the --workspace flag.
func workspaceDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("workspace")
	if dir == "" {
		return "."
	}
	return dir
}

// openRepo opens the workspace around the starting directory. One-shot
// commands skip the SQLite index: rebuilding it on open costs more than
// the ref scan it would save.
func openRepo(cmd *cobra.Command) *repo.Repository {
	r, err := repo.Open(workspaceDir(cmd), repo.Options{})
	if err != nil {
		fail(err)
	}
	return r
}

// padStyled pads a styled cell to width using the plain text's rune
// count, since ANSI escapes contribute zero columns.
func padStyled(styled, plain string, width int) string {
	if n := width - utf8.RuneCountInString(plain); n > 0 {
		return styled + strings.Repeat(" ", n)
	}
	return styled
}

// formatBytes renders a byte count with a human-scale unit.
func formatBytes(n int64) string {
	switch {
	case n > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	case n > 1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	}
	return fmt.Sprintf("%d bytes", n)
}
