package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odi-tracker/odi/internal/ui"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	GroupID: "work",
	Short:   "Manage projects",
	Long: `Projects group issues and own their label namespace. Project IDs
are slugs of letters, digits, dots, underscores, and hyphens (3-100
characters).`,
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = args[0]
		}
		project, err := r.CreateProject(args[0], name)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s Created project %s\n", ui.RenderPass("✓"), project.ID)
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		projects, err := r.ListProjects()
		if err != nil {
			fail(err)
		}
		if len(projects) == 0 {
			fmt.Println("No projects.")
			return
		}
		for _, p := range projects {
			line := fmt.Sprintf("%s  %s", ui.RenderAccent(p.ID), p.Name)
			if n := len(p.Labels); n > 0 {
				line += ui.RenderMuted(fmt.Sprintf("  (%d labels)", n))
			}
			fmt.Println(line)
		}
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one project in full",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		project, _, err := r.GetProject(args[0])
		if err != nil {
			fail(err)
		}

		fmt.Printf("%s %s\n\n", ui.RenderBold(project.Name), ui.RenderMuted(project.ID))
		if project.Description != nil {
			fmt.Printf("%s\n\n", *project.Description)
		}
		if len(project.Labels) > 0 {
			fmt.Printf("Labels:  %s\n", strings.Join(project.Labels, ", "))
		}
		if len(project.Teams) > 0 {
			fmt.Printf("Teams:   %s\n", strings.Join(project.Teams, ", "))
		}
		if len(project.Settings) > 0 {
			fmt.Println("Settings:")
			for _, k := range project.SettingKeys() {
				fmt.Printf("  %s = %s\n", k, project.Settings[k])
			}
		}
		fmt.Printf("Created: %s\n", project.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	},
}

var labelCmd = &cobra.Command{
	Use:     "label",
	GroupID: "work",
	Short:   "Manage labels",
	Long: `Labels live inside a project and are attached to issues by name.
Colors are #RRGGBB.`,
}

var labelCreateCmd = &cobra.Command{
	Use:   "create <project> <name>",
	Short: "Create a label in a project",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		color, _ := cmd.Flags().GetString("color")
		label, err := r.CreateLabel(args[0], args[1], color)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s Created label %s/%s (%s)\n", ui.RenderPass("✓"), label.Project, label.Name, label.Color)
	},
}

var labelListCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List a project's labels",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		r := openRepo(cmd)
		defer r.Close()

		labels, err := r.ListLabels(args[0])
		if err != nil {
			fail(err)
		}
		if len(labels) == 0 {
			fmt.Println("No labels.")
			return
		}
		for _, l := range labels {
			line := fmt.Sprintf("%s  %s", l.Name, ui.RenderMuted(l.Color))
			if l.Description != nil {
				line += "  " + *l.Description
			}
			fmt.Println(line)
		}
	},
}

func init() {
	projectCreateCmd.Flags().String("name", "", "Display name (default: the ID)")
	labelCreateCmd.Flags().String("color", "#8250df", "Label color as #RRGGBB")

	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	rootCmd.AddCommand(projectCmd)

	labelCmd.AddCommand(labelCreateCmd)
	labelCmd.AddCommand(labelListCmd)
	rootCmd.AddCommand(labelCmd)
}
