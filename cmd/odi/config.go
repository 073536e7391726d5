package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odi-tracker/odi/internal/config"
	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Read and write configuration",
	Long: `Configuration resolves from layers, highest precedence first: the
workspace file (.odi/config), the user-global file, built-in defaults.

'get' and 'list' show the merged view. 'set' writes to the workspace
file, or to the user-global file with --global; either takes effect on
the next command, since open handles keep their snapshot.

Examples:
  odi config set --global user.name mira
  odi config set sync.conflict_strategy prefer_newer
  odi config get user
  odi config list`,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one resolved value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := config.LoadRaw(configLoadOptions(cmd))
		if err != nil {
			fail(err)
		}
		v, ok := config.LookupKeyPath(raw, args[0])
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: %s is not set\n", args[0])
			os.Exit(1)
		}
		if table, isTable := v.(map[string]any); isTable {
			for _, kv := range config.Flatten(table) {
				fmt.Printf("%s.%s = %s\n", args[0], kv.Key, formatConfigValue(kv.Value))
			}
			return
		}
		fmt.Println(formatConfigValue(v))
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one key",
	Long: `Write a key into the workspace config, or the user-global file with
--global. The value is typed like a bare TOML scalar: true/false become
booleans, digits become integers, everything else stays a string.

The write is refused if it would make the file unloadable.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		target, err := configWriteTarget(cmd)
		if err != nil {
			fail(err)
		}
		if err := config.SetFileKey(target, args[0], config.ParseScalar(args[1])); err != nil {
			fail(err)
		}
		fmt.Printf("%s Set %s in %s\n", ui.RenderPass("✓"), args[0], target)
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every resolved key",
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := config.LoadRaw(configLoadOptions(cmd))
		if err != nil {
			fail(err)
		}
		for _, kv := range config.Flatten(raw) {
			fmt.Printf("%s = %s\n", ui.RenderAccent(kv.Key), formatConfigValue(kv.Value))
		}
	},
}

func init() {
	configSetCmd.Flags().Bool("global", false, "Write the user-global file instead of the workspace one")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)
}

// configLoadOptions names the layers get and list read. The workspace
// layer applies only when the command runs inside one, so the global
// config stays inspectable anywhere.
func configLoadOptions(cmd *cobra.Command) config.LoadOptions {
	var opts config.LoadOptions
	if root, err := repo.FindRoot(workspaceDir(cmd)); err == nil {
		opts.WorkspaceFile = repo.ConfigPath(root)
	}
	return opts
}

// configWriteTarget picks the file set writes: the workspace config, or
// the user-global one under --global. The workspace is located without
// opening it, so a key that broke loading can be fixed again.
func configWriteTarget(cmd *cobra.Command) (string, error) {
	if global, _ := cmd.Flags().GetBool("global"); global {
		return config.UserConfigPath()
	}
	root, err := repo.FindRoot(workspaceDir(cmd))
	if err != nil {
		return "", err
	}
	return repo.ConfigPath(root), nil
}

// formatConfigValue renders scalars bare and arrays comma-joined, the
// form scripts want from get.
func formatConfigValue(v any) string {
	if items, ok := v.([]any); ok {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = formatConfigValue(item)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}
