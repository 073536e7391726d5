package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/ui"
)

var userCmd = &cobra.Command{
	Use:     "user",
	GroupID: "work",
	Short:   "Manage users",
	Long: `Users are the identities referenced by authorship, assignment, and
team membership. The ID is what other entities point at; pick short
stable handles.`,
}

var userAddCmd = &cobra.Command{
	Use:   "add <id> <name> <email>",
	Short: "Register a user",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		user, err := r.CreateUser(args[0], args[1], args[2])
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s Added user %s <%s>\n", ui.RenderPass("✓"), user.ID, user.Email)
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		users, err := r.ListUsers()
		if err != nil {
			fail(err)
		}
		if len(users) == 0 {
			fmt.Println("No users.")
			return
		}
		for _, u := range users {
			line := fmt.Sprintf("%s  %s <%s>", ui.RenderAccent(u.ID), u.Name, u.Email)
			if len(u.Teams) > 0 {
				line += ui.RenderMuted("  " + strings.Join(u.Teams, ", "))
			}
			fmt.Println(line)
		}
	},
}

var teamCmd = &cobra.Command{
	Use:     "team",
	GroupID: "work",
	Short:   "Manage teams",
	Long:    `Teams group users and are granted access to projects. A team always has at least one member.`,
}

var teamCreateCmd = &cobra.Command{
	Use:   "create <id> <name> <member>...",
	Short: "Create a team",
	Args:  cobra.MinimumNArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		team, err := r.CreateTeam(args[0], args[1], args[2:])
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s Created team %s with %d members\n", ui.RenderPass("✓"), team.ID, len(team.Members))
	},
}

var teamAddMemberCmd = &cobra.Command{
	Use:   "add-member <team> <user>",
	Short: "Add a user to a team",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		if _, err := r.UpdateTeam(args[0], repo.TeamPatch{AddMembers: []string{args[1]}}); err != nil {
			fail(err)
		}
		fmt.Printf("%s Added %s to %s\n", ui.RenderPass("✓"), args[1], args[0])
	},
}

var teamRemoveMemberCmd = &cobra.Command{
	Use:   "remove-member <team> <user>",
	Short: "Remove a user from a team",
	Long:  `Remove a user from a team. Removing the last member fails; delete the team instead.`,
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		if _, err := r.UpdateTeam(args[0], repo.TeamPatch{RemoveMembers: []string{args[1]}}); err != nil {
			fail(err)
		}
		fmt.Printf("%s Removed %s from %s\n", ui.RenderPass("✓"), args[1], args[0])
	},
}

var teamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List teams",
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		teams, err := r.ListTeams()
		if err != nil {
			fail(err)
		}
		if len(teams) == 0 {
			fmt.Println("No teams.")
			return
		}
		for _, t := range teams {
			fmt.Printf("%s  %s  %s\n", ui.RenderAccent(t.ID), t.Name,
				ui.RenderMuted(strings.Join(t.Members, ", ")))
		}
	},
}

func init() {
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	rootCmd.AddCommand(userCmd)

	teamCmd.AddCommand(teamCreateCmd)
	teamCmd.AddCommand(teamAddMemberCmd)
	teamCmd.AddCommand(teamRemoveMemberCmd)
	teamCmd.AddCommand(teamListCmd)
	rootCmd.AddCommand(teamCmd)
}
