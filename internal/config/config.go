// Package config resolves the effective workspace configuration from
// layered TOML sources: caller overrides, the workspace file, the
// user-global file, and hard-coded defaults, highest precedence first.
// Layers merge by deep overlay per key path: scalars replace, tables
// union with child-level overlay, arrays replace entirely. The result is
// an immutable snapshot; configuration changes require reopening the
// workspace.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/odi-tracker/odi/internal/codec"
	"github.com/odi-tracker/odi/internal/core"
)

// Strategy names accepted for sync.conflict_strategy.
const (
	StrategyManual       = "manual"
	StrategyPreferLocal  = "prefer_local"
	StrategyPreferRemote = "prefer_remote"
	StrategyPreferNewer  = "prefer_newer"
)

// ValidStrategy reports whether s names a conflict strategy.
func ValidStrategy(s string) bool {
	switch s {
	case StrategyManual, StrategyPreferLocal, StrategyPreferRemote, StrategyPreferNewer:
		return true
	}
	return false
}

// Config is the resolved, validated configuration snapshot.
type Config struct {
	User      UserConfig
	Workspace WorkspaceConfig
	Projects  map[string]ProjectConfig
	Remotes   map[string]RemoteConfig
	Sync      SyncConfig
	Limits    LimitsConfig
}

// UserConfig is the [user] section. Name and Email are required for
// mutations but may be absent in a read-only workspace.
type UserConfig struct {
	Name       string
	Email      string
	SigningKey string
}

// WorkspaceConfig is the [workspace] section.
type WorkspaceConfig struct {
	ActiveProjects []string
	DefaultProject string
}

// ProjectConfig is one [project.<id>] section.
type ProjectConfig struct {
	Name           string
	DefaultLabels  []string
	VCSIntegration bool
}

// RemoteConfig is one [remote.<name>] section.
type RemoteConfig struct {
	URL      string
	Projects []string
	AuthHint string
}

// SyncConfig is the [sync] section.
type SyncConfig struct {
	ConflictStrategy string
	CompressObjects  bool
}

// LimitsConfig is the [limits] section.
type LimitsConfig struct {
	MaxObjectBytes uint64
	Compressor     string
}

// LoadOptions names the layer sources. Missing files are skipped;
// malformed files fail the whole load.
type LoadOptions struct {
	// WorkspaceFile is the path of the workspace config (R/config).
	// Empty skips the layer.
	WorkspaceFile string

	// UserFile is the path of the user-global config. Empty means the
	// platform default (see UserConfigPath).
	UserFile string

	// Overrides is the highest-precedence layer, keyed the way a TOML
	// document would nest ("user" -> {"name": ...}). Build it with
	// SetKeyPath.
	Overrides map[string]any
}

// UserConfigPath returns the user-global config location:
// $ODI_CONFIG_HOME/config when set, else <os user config dir>/odi/config.
func UserConfigPath() (string, error) {
	if dir := os.Getenv("ODI_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "config"), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", &core.ConfigError{Reason: fmt.Sprintf("no user config directory: %v", err)}
	}
	return filepath.Join(dir, "odi", "config"), nil
}

// defaults is the lowest-precedence layer.
func defaults() map[string]any {
	return map[string]any{
		"sync": map[string]any{
			"conflict_strategy": StrategyManual,
			"compress_objects":  true,
		},
		"limits": map[string]any{
			"max_object_bytes": int64(codec.DefaultMaxObjectBytes),
			"compressor":       "flate",
		},
	}
}

// Load resolves and validates the effective configuration. On any
// failure nothing partial is returned: the caller gets a nil Config and
// a ConfigError naming the offending key path.
func Load(opts LoadOptions) (*Config, error) {
	merged, err := LoadRaw(opts)
	if err != nil {
		return nil, err
	}
	cfg, err := extract(merged)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRaw resolves the same layers as Load but returns the merged key
// tree without extracting or validating it. Introspection surfaces
// (config get/list) read this form so they can show keys exactly as the
// layers spelled them.
func LoadRaw(opts LoadOptions) (map[string]any, error) {
	merged := defaults()

	userFile := opts.UserFile
	if userFile == "" {
		path, err := UserConfigPath()
		if err != nil {
			return nil, err
		}
		userFile = path
	}
	for _, path := range []string{userFile, opts.WorkspaceFile} {
		if path == "" {
			continue
		}
		layer, err := ReadFileRaw(path)
		if err != nil {
			return nil, err
		}
		if layer != nil {
			merged = overlay(merged, layer)
		}
	}
	if opts.Overrides != nil {
		merged = overlay(merged, opts.Overrides)
	}
	return merged, nil
}

// overlay merges layer over base by deep overlay: tables union
// recursively, scalar and array leaves replace.
func overlay(base, layer map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(layer))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range layer {
		layerTable, layerIsTable := v.(map[string]any)
		baseTable, baseIsTable := out[k].(map[string]any)
		if layerIsTable && baseIsTable {
			out[k] = overlay(baseTable, layerTable)
			continue
		}
		out[k] = v
	}
	return out
}

// validate runs the post-merge checks: enums in range, active projects
// defined, remote schemes supported.
func (c *Config) validate() error {
	if c.User.Email != "" {
		if err := core.ValidateEmail(c.User.Email); err != nil {
			return &core.ConfigError{Path: "user.email", Reason: err.Error()}
		}
	}

	if !ValidStrategy(c.Sync.ConflictStrategy) {
		return &core.ConfigError{
			Path:   "sync.conflict_strategy",
			Reason: fmt.Sprintf("unknown strategy %q", c.Sync.ConflictStrategy),
		}
	}
	if c.Limits.MaxObjectBytes == 0 {
		return &core.ConfigError{Path: "limits.max_object_bytes", Reason: "must be positive"}
	}
	if _, err := codec.ParseCompressionTag(c.Limits.Compressor); err != nil {
		return &core.ConfigError{Path: "limits.compressor", Reason: err.Error()}
	}

	for id := range c.Projects {
		if err := core.ValidateProjectID(id); err != nil {
			return &core.ConfigError{Path: "project." + id, Reason: err.Error()}
		}
	}
	for _, id := range c.Workspace.ActiveProjects {
		if _, ok := c.Projects[id]; !ok {
			return &core.ConfigError{
				Path:   "workspace.active_projects",
				Reason: fmt.Sprintf("project %q has no [project.%s] section", id, id),
			}
		}
	}
	if c.Workspace.DefaultProject != "" {
		if _, ok := c.Projects[c.Workspace.DefaultProject]; !ok {
			return &core.ConfigError{
				Path:   "workspace.default_project",
				Reason: fmt.Sprintf("project %q has no [project.%s] section", c.Workspace.DefaultProject, c.Workspace.DefaultProject),
			}
		}
	}

	for name, remote := range c.Remotes {
		if err := core.ValidateRemoteName(name); err != nil {
			return &core.ConfigError{Path: "remote." + name, Reason: err.Error()}
		}
		if remote.URL == "" {
			return &core.ConfigError{Path: "remote." + name + ".url", Reason: "required"}
		}
		if err := core.ValidateRemoteURL(remote.URL); err != nil {
			return &core.ConfigError{Path: "remote." + name + ".url", Reason: err.Error()}
		}
		if remote.AuthHint != "" {
			if _, err := core.ParseAuthHint(remote.AuthHint); err != nil {
				return &core.ConfigError{Path: "remote." + name + ".auth_hint", Reason: err.Error()}
			}
		}
	}
	return nil
}

// RequireIdentity returns the author user ID, failing when the [user]
// section is incomplete. Mutations call this before touching any state.
func (c *Config) RequireIdentity() (string, error) {
	if c.User.Name == "" {
		return "", &core.ConfigError{Path: "user.name", Reason: "required for mutations"}
	}
	if c.User.Email == "" {
		return "", &core.ConfigError{Path: "user.email", Reason: "required for mutations"}
	}
	return c.User.Name, nil
}

// CodecOptions maps the limits section onto codec options, honoring
// sync.compress_objects=false as the "none" compressor.
func (c *Config) CodecOptions() codec.Options {
	compressor := c.Limits.Compressor
	if !c.Sync.CompressObjects {
		compressor = "none"
	}
	return codec.Options{
		Compressor:     compressor,
		MaxObjectBytes: c.Limits.MaxObjectBytes,
	}
}
