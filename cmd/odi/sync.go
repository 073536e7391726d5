package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/odi-tracker/odi/internal/config"
	"github.com/odi-tracker/odi/internal/core"
	"github.com/odi-tracker/odi/internal/repo"
	"github.com/odi-tracker/odi/internal/sync"
	"github.com/odi-tracker/odi/internal/ui"
)

var pushCmd = &cobra.Command{
	Use:     "push <remote>",
	GroupID: "sync",
	Short:   "Upload local changes to a remote",
	Long: `Push local state to a remote: missing objects upload, remote refs
fast-forward or merge, and the remote HEAD advances.

Refs that diverged and merge cleanly are committed locally first, then
pushed merged. Refs that cannot merge become conflict records and the
command exits 4; everything else still completes.

Examples:
  odi push origin
  odi push origin --dry-run
  odi push backup --strategy prefer_local`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runSyncPass(cmd, args[0], sync.DirectionPush)
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull <remote>",
	GroupID: "sync",
	Short:   "Apply a remote's changes locally",
	Long: `Pull remote state into the workspace, symmetric to push: remote-only
and remote-advanced refs apply locally, divergence merges three-way, and
one merge changeset records everything applied.

Examples:
  odi pull origin
  odi pull origin --strategy prefer_newer`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runSyncPass(cmd, args[0], sync.DirectionPull)
	},
}

var resolveCmd = &cobra.Command{
	Use:     "resolve [entity-id]",
	GroupID: "sync",
	Short:   "Settle sync conflicts",
	Long: `Without arguments, list pending conflicts. With an entity ID, settle
its conflict:

  --local    keep this workspace's version
  --remote   take the other side's version
  --newer    keep whichever side changed last (field conflicts only)
  --file f   apply a YAML map of field names to replacement values on
             top of the local version

After resolving, the next push fast-forwards the remote.

Examples:
  odi resolve
  odi resolve 4f2a91c3-07f1-4ba2-9d6e-58c1c2f9aa01 --local
  odi resolve backend/regression --file fix.yaml`,
	Args: cobra.MaximumNArgs(1),
	Run:  runResolve,
}

var cloneCmd = &cobra.Command{
	Use:     "clone <url> [dir]",
	GroupID: "sync",
	Short:   "Copy a remote workspace",
	Long: `Create a workspace, register the URL as remote "origin", and pull
everything. The directory defaults to the last path segment of the URL.

Examples:
  odi clone file:///mnt/shared/tracker
  odi clone http://hub.example.com:8433 tracker
  odi clone ssh://ops@hub/srv/tracker`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runClone,
}

func init() {
	for _, cmd := range []*cobra.Command{pushCmd, pullCmd} {
		cmd.Flags().Bool("dry-run", false, "Classify refs without transferring or moving anything")
		cmd.Flags().String("strategy", "", "Conflict strategy for this pass: manual, prefer_local, prefer_remote, or prefer_newer")
		cmd.Flags().Duration("timeout", 0, "Per-request transport timeout")
		cmd.Flags().Int("concurrency", 0, "Parallel object transfers")
		rootCmd.AddCommand(cmd)
	}

	resolveCmd.Flags().Bool("local", false, "Keep the local version")
	resolveCmd.Flags().Bool("remote", false, "Take the remote version")
	resolveCmd.Flags().Bool("newer", false, "Keep the side changed last")
	resolveCmd.Flags().StringP("file", "f", "", "YAML file of field replacements")
	rootCmd.AddCommand(resolveCmd)

	rootCmd.AddCommand(cloneCmd)
}

func runSyncPass(cmd *cobra.Command, remote, direction string) {
	r := openRepo(cmd)
	defer r.Close()

	var opts sync.Options
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
	opts.Strategy, _ = cmd.Flags().GetString("strategy")
	opts.Timeout, _ = cmd.Flags().GetDuration("timeout")
	opts.TransferConcurrency, _ = cmd.Flags().GetInt("concurrency")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine := sync.New(r, nil)
	var res *sync.Result
	var err error
	if direction == sync.DirectionPush {
		res, err = engine.Push(ctx, remote, opts)
	} else {
		res, err = engine.Pull(ctx, remote, opts)
	}
	// A pass that hit conflicts still carries the outcome of every
	// other ref; show it before exiting.
	if res != nil {
		printSyncResult(res, opts.DryRun)
	}
	if err != nil {
		fail(err)
	}
}

func printSyncResult(res *sync.Result, dryRun bool) {
	verb := "Pushed to"
	if res.Direction == sync.DirectionPull {
		verb = "Pulled from"
	}
	if dryRun {
		verb = "Dry run against"
	}

	fmt.Printf("%s %s in %v: %d fast-forwarded, %d merged, %d unchanged\n",
		verb, res.Remote, res.Duration().Round(time.Millisecond),
		res.Count(sync.RefFastForwarded), res.Count(sync.RefMerged), res.Count(sync.RefUnchanged))
	if res.ObjectsTransferred > 0 {
		fmt.Printf("   %d objects, %s\n", res.ObjectsTransferred, formatBytes(res.BytesTransferred))
	}
	for _, o := range res.Refs {
		if o.Status == sync.RefFailed {
			fmt.Printf("   %s %s: %s\n", ui.RenderError("✗"), o.Ref, o.Reason)
		}
	}
	if n := len(res.Conflicts); n > 0 {
		fmt.Printf("%s %d conflicts recorded; run 'odi resolve' to list them\n", ui.RenderWarn("⚠"), n)
	}
}

func runResolve(cmd *cobra.Command, args []string) {
	r := openRepo(cmd)
	defer r.Close()
	engine := sync.New(r, nil)

	if len(args) == 0 {
		listConflicts(engine)
		return
	}

	local, _ := cmd.Flags().GetBool("local")
	remote, _ := cmd.Flags().GetBool("remote")
	newer, _ := cmd.Flags().GetBool("newer")
	file, _ := cmd.Flags().GetString("file")

	chosen := 0
	for _, set := range []bool{local, remote, newer, file != ""} {
		if set {
			chosen++
		}
	}
	if chosen != 1 {
		fmt.Fprintf(os.Stderr, "Error: pick exactly one of --local, --remote, --newer, or --file\n")
		os.Exit(2)
	}

	entityID := args[0]
	var err error
	switch {
	case local:
		err = engine.Resolve(cmd.Context(), entityID, sync.Resolution{Strategy: config.StrategyPreferLocal})
	case remote:
		err = engine.Resolve(cmd.Context(), entityID, sync.Resolution{Strategy: config.StrategyPreferRemote})
	case newer:
		err = engine.Resolve(cmd.Context(), entityID, sync.Resolution{Strategy: config.StrategyPreferNewer})
	default:
		values, ferr := readResolutionFile(file)
		if ferr != nil {
			fail(ferr)
		}
		err = engine.ResolveFields(cmd.Context(), entityID, values)
	}
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s Resolved %s\n", ui.RenderPass("✓"), entityID)
}

func listConflicts(engine *sync.Engine) {
	conflicts, err := engine.Conflicts()
	if err != nil {
		fail(err)
	}
	if len(conflicts) == 0 {
		fmt.Println("No pending conflicts.")
		return
	}

	for _, c := range conflicts {
		fmt.Printf("%s %s %s %s\n", ui.RenderWarn("⚠"), c.EntityKind, ui.RenderBold(c.EntityID),
			ui.RenderMuted(fmt.Sprintf("(%s %s, %s)", c.Direction, c.Remote, c.DetectedAt.Local().Format("2006-01-02 15:04"))))
		if c.Structural {
			fmt.Printf("   structural: %s\n", c.Note)
			continue
		}
		for _, f := range c.Fields {
			fmt.Printf("   %s: local %q, remote %q\n", f.Name, f.Local, f.Remote)
		}
	}
	fmt.Printf("\n%d pending. Settle each with --local, --remote, --newer, or --file.\n", len(conflicts))
}

// readResolutionFile loads a YAML map of field names to replacement
// values. Scalars are stringified; nested values are rejected because
// resolvable fields are flat.
func readResolutionFile(name string) (map[string]string, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, &core.IOError{Op: "read " + name, Err: err}
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidIdentifier, name, err)
	}
	values := make(map[string]string, len(raw))
	for key, v := range raw {
		switch v := v.(type) {
		case nil:
			values[key] = ""
		case map[string]any, []any:
			return nil, fmt.Errorf("%w: %s: field %q must be a scalar", core.ErrInvalidIdentifier, name, key)
		default:
			values[key] = fmt.Sprint(v)
		}
	}
	return values, nil
}

func runClone(cmd *cobra.Command, args []string) {
	rawURL := args[0]
	dir := ""
	if len(args) == 2 {
		dir = args[1]
	} else {
		dir = cloneDir(rawURL)
	}

	created := false
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		created = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Cloning %s into %s...\n", rawURL, dir)
	r, res, err := sync.Clone(ctx, dir, rawURL, sync.CloneOptions{})
	if err != nil {
		if created {
			os.Remove(dir) // only an empty leftover
		}
		fail(err)
	}
	defer r.Close()

	fmt.Printf("%s Cloned %d refs, %d objects (%s)\n", ui.RenderPass("✓"),
		len(res.Refs), res.ObjectsTransferred, formatBytes(res.BytesTransferred))
}

// cloneDir derives a directory name from the URL path, the way git
// names a clone after the repository.
func cloneDir(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "workspace"
	}
	p := strings.TrimSuffix(u.Path, "/")
	base := path.Base(p)
	if base == repo.DirName {
		base = path.Base(path.Dir(p))
	}
	if base == "" || base == "." || base == "/" {
		return "workspace"
	}
	return base
}
