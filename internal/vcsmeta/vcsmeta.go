// Package vcsmeta inspects the version-control checkout surrounding a
// workspace and reports read-only metadata: checkout root, current
// branch or bookmark, and configured remote URLs. It is the only
// package that shells out to VCS binaries; everything else stores the
// result verbatim and never runs a VCS itself.
package vcsmeta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/odi-tracker/odi/internal/core"
)

var (
	// ErrNoCheckout is returned when no .git or .jj marker exists in
	// the directory or any of its parents.
	ErrNoCheckout = errors.New("not inside a version-controlled checkout")

	// ErrToolMissing is returned when the checkout's VCS binary is not
	// on PATH.
	ErrToolMissing = errors.New("VCS binary not available")
)

// execTimeout bounds every VCS subprocess. Metadata queries are cheap;
// anything slower means a wedged binary, not a big repository.
const execTimeout = 10 * time.Second

type flavor int

const (
	flavorGit flavor = iota
	flavorJJ
	flavorColocated
)

func (f flavor) String() string {
	switch f {
	case flavorJJ:
		return "jj"
	case flavorColocated:
		return "git+jj"
	default:
		return "git"
	}
}

// checkout is one detected VCS root.
type checkout struct {
	root   string
	flavor flavor
}

// Enrich implements the repository's VCSEnricher callback. It walks up
// from path to find a checkout, then queries the VCS binary for the
// current branch and remote URLs. Colocated checkouts (.jj beside
// .git) answer through git, where the shared metadata actually lives.
func Enrich(path string) (*core.VCSInfo, error) {
	co, err := detectCheckout(path)
	if err != nil {
		return nil, err
	}
	info := &core.VCSInfo{RepoRoot: co.root}

	switch co.flavor {
	case flavorJJ:
		if _, err := exec.LookPath("jj"); err != nil {
			return nil, fmt.Errorf("%w: jj", ErrToolMissing)
		}
		bookmark, err := jjCurrentBookmark(co.root)
		if err != nil {
			return nil, err
		}
		info.CurrentBranch = bookmark
		// Pure-jj checkouts keep remotes inside the jj-managed git
		// store; there is no stable query surface for them yet.
	default:
		if _, err := exec.LookPath("git"); err != nil {
			return nil, fmt.Errorf("%w: git", ErrToolMissing)
		}
		branch, err := gitCurrentBranch(co.root)
		if err != nil {
			return nil, err
		}
		info.CurrentBranch = branch
		remotes, err := gitRemoteURLs(co.root)
		if err != nil {
			return nil, err
		}
		info.RemoteURLs = remotes
	}
	return info, nil
}

// detectCheckout walks up the directory tree looking for VCS markers.
// A .git entry may be a directory (regular checkout) or a file
// (worktree); both count.
func detectCheckout(path string) (*checkout, error) {
	current, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve checkout path: %w", err)
	}
	for {
		var hasJJ, hasGit bool
		if info, err := os.Stat(filepath.Join(current, ".jj")); err == nil && info.IsDir() {
			hasJJ = true
		}
		if info, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				hasGit = true
			}
		}
		switch {
		case hasJJ && hasGit:
			return &checkout{root: current, flavor: flavorColocated}, nil
		case hasJJ:
			return &checkout{root: current, flavor: flavorJJ}, nil
		case hasGit:
			return &checkout{root: current, flavor: flavorGit}, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return nil, fmt.Errorf("%w: %s", ErrNoCheckout, path)
		}
		current = parent
	}
}

// runTool executes a VCS binary with a bounded context, returning
// stdout. Stderr rides along in the error for diagnosis.
func runTool(dir, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s %s: %w: %s", name, args[0], err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return stdout.Bytes(), nil
}

// gitCurrentBranch reports the checked-out branch name, empty on a
// detached HEAD. show-current works on a freshly init'd repository
// with no commits, where rev-parse HEAD does not.
func gitCurrentBranch(root string) (string, error) {
	out, err := runTool(root, "git", "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// gitRemoteURLs collects the fetch URL of every configured remote,
// sorted and deduplicated.
func gitRemoteURLs(root string) ([]string, error) {
	out, err := runTool(root, "git", "remote", "-v")
	if err != nil {
		return nil, err
	}
	return parseRemoteURLs(string(out)), nil
}

// parseRemoteURLs reads `git remote -v` output. Each remote prints a
// fetch line and a push line; the fetch URL wins, with the first
// occurrence as fallback when no line is tagged.
func parseRemoteURLs(output string) []string {
	byName := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name, url := fields[0], fields[1]
		if len(fields) >= 3 && strings.Contains(fields[2], "fetch") {
			byName[name] = url
		} else if _, seen := byName[name]; !seen {
			byName[name] = url
		}
	}
	urls := make(map[string]bool, len(byName))
	for _, url := range byName {
		urls[url] = true
	}
	out := make([]string, 0, len(urls))
	for url := range urls {
		out = append(out, url)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// jjCurrentBookmark extracts the bookmark on the working-copy change.
// Bookmarks are optional in jj; no bookmark is normal and reports as
// an empty string, not an error.
func jjCurrentBookmark(root string) (string, error) {
	out, err := runTool(root, "jj", "log", "-r", "@", "-n", "1", "--no-graph")
	if err != nil {
		return "", err
	}
	return parseBookmark(string(out)), nil
}

// parseBookmark scans jj log output for a bookmark marker: either a
// "bookmark: name" pair or a parenthesized name on the change line.
func parseBookmark(output string) string {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		for i, field := range fields {
			if field == "bookmark:" && i+1 < len(fields) {
				return fields[i+1]
			}
			if len(field) > 2 && strings.HasPrefix(field, "(") && strings.HasSuffix(field, ")") {
				return strings.Trim(field, "()")
			}
		}
	}
	return ""
}
