package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/sync"
	"github.com/odi-tracker/odi/internal/ui"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "sync",
	Short:   "Manage sync remotes",
	Long: `Remotes are named peers to push to and pull from. Three URL schemes
are supported:

  file:///shared/tracker        a directory, e.g. on a network mount
  http://host:8433              a peer running 'odi serve --addr'
  ssh://host/srv/tracker        'odi serve --stdio' behind ssh

Credentials are never stored; http remotes read ODI_TOKEN or
ODI_BASIC_AUTH from the environment when the server requires auth.`,
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Register a remote",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		hint, err := sync.HintForURL(args[1])
		if err != nil {
			fail(err)
		}
		if s, _ := cmd.Flags().GetString("auth"); s != "" {
			hint, err = core.ParseAuthHint(s)
			if err != nil {
				fail(err)
			}
		}

		remote, err := r.CreateRemote(args[0], args[1], hint)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s Added remote %s (auth: %s)\n", ui.RenderPass("✓"), remote.Name, remote.AuthHint)
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remotes",
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		remotes, err := r.ListRemotes()
		if err != nil {
			fail(err)
		}
		if len(remotes) == 0 {
			fmt.Println("No remotes.")
			return
		}
		for _, remote := range remotes {
			synced := "never synced"
			if remote.LastSync != nil {
				synced = "last sync " + remote.LastSync.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s  %s  %s\n", ui.RenderAccent(remote.Name), remote.URL, ui.RenderMuted(synced))
		}
	},
}

var remoteRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a remote",
	Long:  `Delete a remote. Pending conflict records from it stay until resolved.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		if err := r.DeleteRemote(args[0]); err != nil {
			fail(err)
		}
		fmt.Printf("%s Removed remote %s\n", ui.RenderPass("✓"), args[0])
	},
}

func init() {
	remoteAddCmd.Flags().String("auth", "", "Credential kind: none, token, or ssh_key (default: derived from the URL scheme)")

	remoteCmd.AddCommand(remoteAddCmd)
	remoteCmd.AddCommand(remoteListCmd)
	remoteCmd.AddCommand(remoteRemoveCmd)
	rootCmd.AddCommand(remoteCmd)
}
