package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/ui"
)

var issueCmd = &cobra.Command{
	Use:     "issue",
	GroupID: "work",
	Short:   "Create and work with issues",
	Long: `Create, list, inspect, and update issues.

Issues are addressed by UUID; any unambiguous prefix works wherever a
command takes an <issue> argument, so the short eight-character form
shown by 'odi issue list' is usually enough.`,
}

var issueCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create an issue",
	Long: `Create an open issue. The author comes from the configured identity
(user.name); set it with 'odi config set --global user.name you'.

Examples:
  odi issue create "Login button unresponsive"
  odi issue create "Flaky upload test" --priority high --label ci
  odi issue create "Plan Q3 launch" --project growth --assignee dana`,
	Args: cobra.ExactArgs(1),
	Run:  runIssueCreate,
}

var issueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues, optionally filtered",
	Long: `List issues. Filters are ANDed together.

Examples:
  odi issue list
  odi issue list --status open --priority critical
  odi issue list --assignee dana --project growth`,
	Run: runIssueList,
}

var issueShowCmd = &cobra.Command{
	Use:   "show <issue>",
	Short: "Show one issue in full",
	Args:  cobra.ExactArgs(1),
	Run:   runIssueShow,
}

var issueUpdateCmd = &cobra.Command{
	Use:   "update <issue>",
	Short: "Change issue fields",
	Long: `Apply field changes to an issue. Only the flags given change
anything; assignees and labels have their own subcommands.

Status changes follow the lifecycle: open -> in_progress -> resolved ->
closed, with reopening from closed back to open.

Examples:
  odi issue update 4f2a91c3 --status in_progress
  odi issue update 4f2a91c3 --priority critical --title "Data loss on save"
  odi issue update 4f2a91c3 --clear-description`,
	Args: cobra.ExactArgs(1),
	Run:  runIssueUpdate,
}

var issueCloseCmd = &cobra.Command{
	Use:   "close <issue>",
	Short: "Close an issue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		id := resolveIssueArg(r, args[0])
		issue, err := r.CloseIssue(id)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s Closed issue %s\n", ui.RenderPass("✓"), shortID(issue.ID))
	},
}

var issueAssignCmd = &cobra.Command{
	Use:   "assign <issue> <user>",
	Short: "Assign a user to an issue",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		id := resolveIssueArg(r, args[0])
		remove, _ := cmd.Flags().GetBool("remove")
		if remove {
			if _, err := r.UnassignIssue(id, args[1]); err != nil {
				fail(err)
			}
			fmt.Printf("%s Unassigned %s from %s\n", ui.RenderPass("✓"), args[1], shortID(id))
			return
		}
		if _, err := r.AssignIssue(id, args[1]); err != nil {
			fail(err)
		}
		fmt.Printf("%s Assigned %s to %s\n", ui.RenderPass("✓"), args[1], shortID(id))
	},
}

var issueLabelCmd = &cobra.Command{
	Use:   "label <issue> <label>",
	Short: "Attach a label to an issue",
	Long: `Attach a label to an issue, or detach one with --remove. The label
must exist in the issue's project; create it with 'odi label create'.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		id := resolveIssueArg(r, args[0])
		remove, _ := cmd.Flags().GetBool("remove")
		if remove {
			if _, err := r.UnlabelIssue(id, args[1]); err != nil {
				fail(err)
			}
			fmt.Printf("%s Removed label %s from %s\n", ui.RenderPass("✓"), args[1], shortID(id))
			return
		}
		if _, err := r.LabelIssue(id, args[1]); err != nil {
			fail(err)
		}
		fmt.Printf("%s Labeled %s with %s\n", ui.RenderPass("✓"), shortID(id), args[1])
	},
}

func init() {
	issueCreateCmd.Flags().StringP("description", "d", "", "Longer body text")
	issueCreateCmd.Flags().StringP("priority", "p", "", "critical, high, medium, or low (default medium)")
	issueCreateCmd.Flags().String("project", "", "Owning project")
	issueCreateCmd.Flags().StringSlice("assignee", nil, "Assign these users (repeatable)")
	issueCreateCmd.Flags().StringSlice("label", nil, "Attach these labels (repeatable)")

	issueListCmd.Flags().String("status", "", "Only this status")
	issueListCmd.Flags().String("priority", "", "Only this priority")
	issueListCmd.Flags().String("author", "", "Only issues created by this user")
	issueListCmd.Flags().String("assignee", "", "Only issues assigned to this user")
	issueListCmd.Flags().String("label", "", "Only issues carrying this label")
	issueListCmd.Flags().String("project", "", "Only issues in this project")

	issueUpdateCmd.Flags().String("title", "", "Replace the title")
	issueUpdateCmd.Flags().StringP("description", "d", "", "Replace the body text")
	issueUpdateCmd.Flags().Bool("clear-description", false, "Drop the body text")
	issueUpdateCmd.Flags().StringP("priority", "p", "", "critical, high, medium, or low")
	issueUpdateCmd.Flags().String("status", "", "open, in_progress, resolved, or closed")
	issueUpdateCmd.Flags().String("project", "", "Move to this project")
	issueUpdateCmd.Flags().Bool("clear-project", false, "Detach from its project")

	issueAssignCmd.Flags().Bool("remove", false, "Unassign instead")
	issueLabelCmd.Flags().Bool("remove", false, "Detach instead")

	issueCmd.AddCommand(issueCreateCmd)
	issueCmd.AddCommand(issueListCmd)
	issueCmd.AddCommand(issueShowCmd)
	issueCmd.AddCommand(issueUpdateCmd)
	issueCmd.AddCommand(issueCloseCmd)
	issueCmd.AddCommand(issueAssignCmd)
	issueCmd.AddCommand(issueLabelCmd)
	rootCmd.AddCommand(issueCmd)
}

func runIssueCreate(cmd *cobra.Command, args []string) {
	r := openRepo(cmd)
	defer r.Close()

	opts := repo.CreateIssueOptions{Title: args[0]}
	opts.Description, _ = cmd.Flags().GetString("description")
	opts.Project, _ = cmd.Flags().GetString("project")
	opts.Assignees, _ = cmd.Flags().GetStringSlice("assignee")
	opts.Labels, _ = cmd.Flags().GetStringSlice("label")
	if s, _ := cmd.Flags().GetString("priority"); s != "" {
		priority, err := core.ParsePriority(s)
		if err != nil {
			fail(err)
		}
		opts.Priority = priority
	}

	issue, err := r.CreateIssue(opts)
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s Created issue %s\n", ui.RenderPass("✓"), shortID(issue.ID))
}

func runIssueList(cmd *cobra.Command, args []string) {
	r := openRepo(cmd)
	defer r.Close()

	var filter core.IssueFilter
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		status, err := core.ParseStatus(s)
		if err != nil {
			fail(err)
		}
		filter.Status = status
	}
	if s, _ := cmd.Flags().GetString("priority"); s != "" {
		priority, err := core.ParsePriority(s)
		if err != nil {
			fail(err)
		}
		filter.Priority = priority
	}
	filter.Author, _ = cmd.Flags().GetString("author")
	filter.Assignee, _ = cmd.Flags().GetString("assignee")
	filter.Label, _ = cmd.Flags().GetString("label")
	filter.Project, _ = cmd.Flags().GetString("project")

	issues, err := r.ListIssues(cmd.Context(), filter)
	if err != nil {
		fail(err)
	}
	if len(issues) == 0 {
		fmt.Println("No issues match.")
		return
	}

	// id 8, status 11 ("in_progress"), priority 8 ("critical"), plus
	// separators; the title gets the rest of the terminal.
	titleWidth := ui.Width() - 33
	for _, issue := range issues {
		fmt.Printf("%s  %s  %s  %s\n",
			ui.RenderMuted(shortID(issue.ID)),
			padStyled(ui.RenderStatus(issue.Status), string(issue.Status), 11),
			padStyled(ui.RenderPriority(issue.Priority), string(issue.Priority), 8),
			ui.Truncate(issue.Title, titleWidth))
	}
	fmt.Printf("\n%d issues\n", len(issues))
}

func runIssueShow(cmd *cobra.Command, args []string) {
	r := openRepo(cmd)
	defer r.Close()

	id := resolveIssueArg(r, args[0])
	issue, hash, err := r.GetIssue(id)
	if err != nil {
		fail(err)
	}

	fmt.Printf("%s %s\n\n", ui.RenderBold(issue.Title), ui.RenderMuted(issue.ID.String()))
	fmt.Printf("Status:    %s\n", ui.RenderStatus(issue.Status))
	fmt.Printf("Priority:  %s\n", ui.RenderPriority(issue.Priority))
	fmt.Printf("Author:    %s\n", issue.Author)
	if len(issue.CoAuthors) > 0 {
		fmt.Printf("Co-auth:   %s\n", strings.Join(issue.CoAuthors, ", "))
	}
	if issue.Project != nil {
		fmt.Printf("Project:   %s\n", *issue.Project)
	}
	if len(issue.Assignees) > 0 {
		fmt.Printf("Assignees: %s\n", strings.Join(issue.Assignees, ", "))
	}
	if len(issue.Labels) > 0 {
		fmt.Printf("Labels:    %s\n", strings.Join(issue.Labels, ", "))
	}
	fmt.Printf("Created:   %s\n", issue.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:   %s\n", issue.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if issue.ClosedAt != nil {
		fmt.Printf("Closed:    %s\n", issue.ClosedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if len(issue.GitRefs) > 0 {
		fmt.Printf("VCS refs:  %s\n", strings.Join(issue.GitRefs, ", "))
	}
	fmt.Printf("Object:    %s\n", ui.RenderMuted(hash.String()))
	if issue.Description != nil {
		fmt.Printf("\n%s\n", *issue.Description)
	}
}

func runIssueUpdate(cmd *cobra.Command, args []string) {
	r := openRepo(cmd)
	defer r.Close()

	id := resolveIssueArg(r, args[0])
	flags := cmd.Flags()

	var patch repo.IssuePatch
	if flags.Changed("title") {
		v, _ := flags.GetString("title")
		patch.Title = &v
	}
	if flags.Changed("description") {
		v, _ := flags.GetString("description")
		patch.Description = &v
	}
	patch.ClearDescription, _ = flags.GetBool("clear-description")
	if flags.Changed("priority") {
		v, _ := flags.GetString("priority")
		priority, err := core.ParsePriority(v)
		if err != nil {
			fail(err)
		}
		patch.Priority = &priority
	}
	if flags.Changed("status") {
		v, _ := flags.GetString("status")
		status, err := core.ParseStatus(v)
		if err != nil {
			fail(err)
		}
		patch.Status = &status
	}
	if flags.Changed("project") {
		v, _ := flags.GetString("project")
		patch.Project = &v
	}
	patch.ClearProject, _ = flags.GetBool("clear-project")

	issue, err := r.UpdateIssue(id, patch)
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s Updated issue %s\n", ui.RenderPass("✓"), shortID(issue.ID))
}

// resolveIssueArg turns a UUID or prefix argument into the issue's ID,
// failing the command on ambiguity or no match.
func resolveIssueArg(r *repo.Repository, arg string) uuid.UUID {
	id, err := r.ResolveIssueID(arg)
	if err != nil {
		fail(err)
	}
	return id
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
