package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/odi-tracker/odi/internal/ui"
)

var fsckCmd = &cobra.Command{
	Use:     "fsck",
	GroupID: "maint",
	Short:   "Verify workspace integrity",
	Long: `Verify the whole workspace: every object must re-hash to its name
and decode to a valid entity, every live ref must point at a present
object, and the change-set chain must walk from HEAD without gaps.

Findings print per subject; a damaged workspace exits 5.`,
	Run: runFsck,
}

func init() {
	rootCmd.AddCommand(fsckCmd)
}

func runFsck(cmd *cobra.Command, args []string) {
	r := openRepo(cmd)
	defer r.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := r.Fsck(ctx)
	if err != nil {
		fail(err)
	}

	fmt.Printf("Scanned %d objects, %d refs (%d tombstones), chain length %d\n",
		report.ObjectsScanned, report.RefsScanned, report.Tombstones, report.ChainLength)
	for _, p := range report.CorruptObjects {
		fmt.Printf("%s corrupt object %s\n", ui.RenderError("✗"), p)
	}
	for _, p := range report.BrokenRefs {
		fmt.Printf("%s broken ref %s\n", ui.RenderError("✗"), p)
	}
	for _, p := range report.ChainProblems {
		fmt.Printf("%s chain problem %s\n", ui.RenderError("✗"), p)
	}

	if !report.OK() {
		fmt.Fprintf(os.Stderr, "Error: workspace is damaged\n")
		os.Exit(5)
	}
	fmt.Printf("%s Workspace is clean\n", ui.RenderPass("✓"))
}
