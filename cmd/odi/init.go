package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/ui"
	"github.com/odi-tracker/odi/internal/vcsmeta"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "work",
	Short:   "Create a workspace in the current directory",
	Long: `Create an odi workspace: a .odi directory holding the object store,
the ref tree, the lock directory, and the workspace config.

Examples:
  # Plain workspace
  odi init

  # Create and activate a project in one step
  odi init --project backend

  # Record surrounding git or jj checkout metadata on the workspace
  odi init --link-vcs`,
	Run: runInit,
}

func init() {
	initCmd.Flags().String("project", "", "Create and activate this project")
	initCmd.Flags().Bool("link-vcs", false, "Attach checkout metadata from a surrounding git or jj repo")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) {
	project, _ := cmd.Flags().GetString("project")
	linkVCS, _ := cmd.Flags().GetBool("link-vcs")

	opts := repo.InitOptions{Project: project}
	if linkVCS {
		opts.LinkVCS = vcsmeta.Enrich
	}

	r, err := repo.Init(workspaceDir(cmd), opts)
	if err != nil {
		fail(err)
	}
	defer r.Close()

	fmt.Printf("%s Initialized workspace in %s\n", ui.RenderPass("✓"), r.Root())
	if project != "" {
		fmt.Printf("   Active project: %s\n", project)
	}
}
