package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/odi-tracker/odi/internal/core"
)

// ReadFileRaw parses one TOML layer into the nested map form the overlay
// operates on. A missing file is not an error; it returns a nil map so
// the layer is skipped.
func ReadFileRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &core.ConfigError{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}

	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, &core.ConfigError{Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	return raw, nil
}

// WriteFileRaw encodes one nested key tree back to a TOML file. The
// directory is created when missing; the file is replaced whole.
func WriteFileRaw(path string, raw map[string]any) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(raw); err != nil {
		return &core.ConfigError{Reason: fmt.Sprintf("encode %s: %v", path, err)}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &core.ConfigError{Reason: fmt.Sprintf("create %s: %v", dir, err)}
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return &core.ConfigError{Reason: fmt.Sprintf("write %s: %v", path, err)}
	}
	return nil
}

// SetKeyPath writes value into the nested map at a dotted key path,
// creating intermediate tables. It is how callers build the override
// layer ("user.name" -> {"user": {"name": ...}}).
func SetKeyPath(m map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// LookupKeyPath reads the value at a dotted key path, false when any
// segment is absent or a non-table is traversed.
func LookupKeyPath(m map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	v, ok := cur[segs[len(segs)-1]]
	return v, ok
}

// Flatten converts a nested key tree into dotted leaf paths, sorted.
// Arrays stay whole leaves, matching the overlay's replace semantics.
func Flatten(m map[string]any) []KeyValue {
	var out []KeyValue
	flattenInto(&out, "", m)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// KeyValue is one flattened configuration leaf.
type KeyValue struct {
	Key   string
	Value any
}

func flattenInto(out *[]KeyValue, prefix string, m map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if table, ok := v.(map[string]any); ok {
			flattenInto(out, path, table)
			continue
		}
		*out = append(*out, KeyValue{Key: path, Value: v})
	}
}

// ParseScalar types a raw command-line value the way TOML types a bare
// scalar: booleans and integers become typed values, everything else
// stays a string.
func ParseScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

// SetFileKey rewrites one key in a config file, keeping the others. The
// updated tree must still extract cleanly (known keys, right types)
// before the file is replaced; cross-layer checks like project
// references run on the next Load.
func SetFileKey(path, key string, value any) error {
	raw, err := ReadFileRaw(path)
	if err != nil {
		return err
	}
	if raw == nil {
		raw = make(map[string]any)
	}
	SetKeyPath(raw, key, value)
	if _, err := extract(raw); err != nil {
		return err
	}
	return WriteFileRaw(path, raw)
}

// extract converts the merged raw map into the typed Config, rejecting
// keys outside the recognized set. Type faults and unknown keys both come
// back as ConfigError naming the full key path.
func extract(merged map[string]any) (*Config, error) {
	cfg := &Config{
		Projects: make(map[string]ProjectConfig),
		Remotes:  make(map[string]RemoteConfig),
	}

	for section, raw := range merged {
		switch section {
		case "user":
			table, err := asTable(section, raw)
			if err != nil {
				return nil, err
			}
			if err := extractUser(table, &cfg.User); err != nil {
				return nil, err
			}
		case "workspace":
			table, err := asTable(section, raw)
			if err != nil {
				return nil, err
			}
			if err := extractWorkspace(table, &cfg.Workspace); err != nil {
				return nil, err
			}
		case "project":
			table, err := asTable(section, raw)
			if err != nil {
				return nil, err
			}
			for id, sub := range table {
				subTable, err := asTable("project."+id, sub)
				if err != nil {
					return nil, err
				}
				var pc ProjectConfig
				if err := extractProject(id, subTable, &pc); err != nil {
					return nil, err
				}
				cfg.Projects[id] = pc
			}
		case "remote":
			table, err := asTable(section, raw)
			if err != nil {
				return nil, err
			}
			for name, sub := range table {
				subTable, err := asTable("remote."+name, sub)
				if err != nil {
					return nil, err
				}
				var rc RemoteConfig
				if err := extractRemote(name, subTable, &rc); err != nil {
					return nil, err
				}
				cfg.Remotes[name] = rc
			}
		case "sync":
			table, err := asTable(section, raw)
			if err != nil {
				return nil, err
			}
			if err := extractSync(table, &cfg.Sync); err != nil {
				return nil, err
			}
		case "limits":
			table, err := asTable(section, raw)
			if err != nil {
				return nil, err
			}
			if err := extractLimits(table, &cfg.Limits); err != nil {
				return nil, err
			}
		default:
			return nil, &core.ConfigError{Path: section, Reason: "unrecognized section"}
		}
	}
	return cfg, nil
}

func extractUser(table map[string]any, out *UserConfig) error {
	for key, v := range table {
		var err error
		switch key {
		case "name":
			out.Name, err = asString("user.name", v)
		case "email":
			out.Email, err = asString("user.email", v)
		case "signing_key":
			out.SigningKey, err = asString("user.signing_key", v)
		default:
			return &core.ConfigError{Path: "user." + key, Reason: "unrecognized key"}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func extractWorkspace(table map[string]any, out *WorkspaceConfig) error {
	for key, v := range table {
		var err error
		switch key {
		case "active_projects":
			out.ActiveProjects, err = asStringSlice("workspace.active_projects", v)
		case "default_project":
			out.DefaultProject, err = asString("workspace.default_project", v)
		default:
			return &core.ConfigError{Path: "workspace." + key, Reason: "unrecognized key"}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func extractProject(id string, table map[string]any, out *ProjectConfig) error {
	prefix := "project." + id + "."
	for key, v := range table {
		var err error
		switch key {
		case "name":
			out.Name, err = asString(prefix+"name", v)
		case "default_labels":
			out.DefaultLabels, err = asStringSlice(prefix+"default_labels", v)
		case "vcs_integration":
			out.VCSIntegration, err = asBool(prefix+"vcs_integration", v)
		default:
			return &core.ConfigError{Path: prefix + key, Reason: "unrecognized key"}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func extractRemote(name string, table map[string]any, out *RemoteConfig) error {
	prefix := "remote." + name + "."
	for key, v := range table {
		var err error
		switch key {
		case "url":
			out.URL, err = asString(prefix+"url", v)
		case "projects":
			out.Projects, err = asStringSlice(prefix+"projects", v)
		case "auth_hint":
			out.AuthHint, err = asString(prefix+"auth_hint", v)
		default:
			return &core.ConfigError{Path: prefix + key, Reason: "unrecognized key"}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func extractSync(table map[string]any, out *SyncConfig) error {
	for key, v := range table {
		var err error
		switch key {
		case "conflict_strategy":
			out.ConflictStrategy, err = asString("sync.conflict_strategy", v)
		case "compress_objects":
			out.CompressObjects, err = asBool("sync.compress_objects", v)
		default:
			return &core.ConfigError{Path: "sync." + key, Reason: "unrecognized key"}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func extractLimits(table map[string]any, out *LimitsConfig) error {
	for key, v := range table {
		var err error
		switch key {
		case "max_object_bytes":
			out.MaxObjectBytes, err = asUint64("limits.max_object_bytes", v)
		case "compressor":
			out.Compressor, err = asString("limits.compressor", v)
		default:
			return &core.ConfigError{Path: "limits." + key, Reason: "unrecognized key"}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func asTable(path string, v any) (map[string]any, error) {
	table, ok := v.(map[string]any)
	if !ok {
		return nil, &core.ConfigError{Path: path, Reason: fmt.Sprintf("expected a table, got %T", v)}
	}
	return table, nil
}

func asString(path string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", &core.ConfigError{Path: path, Reason: fmt.Sprintf("expected a string, got %T", v)}
	}
	return s, nil
}

func asBool(path string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, &core.ConfigError{Path: path, Reason: fmt.Sprintf("expected a boolean, got %T", v)}
	}
	return b, nil
}

func asUint64(path string, v any) (uint64, error) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, &core.ConfigError{Path: path, Reason: "must not be negative"}
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	case int:
		if n < 0 {
			return 0, &core.ConfigError{Path: path, Reason: "must not be negative"}
		}
		return uint64(n), nil
	default:
		return 0, &core.ConfigError{Path: path, Reason: fmt.Sprintf("expected an integer, got %T", v)}
	}
}

// asStringSlice accepts []any from the TOML decoder or []string from
// defaults and overrides.
func asStringSlice(path string, v any) ([]string, error) {
	switch vs := v.(type) {
	case []string:
		return append([]string(nil), vs...), nil
	case []any:
		out := make([]string, 0, len(vs))
		for i, item := range vs {
			s, ok := item.(string)
			if !ok {
				return nil, &core.ConfigError{
					Path:   path,
					Reason: fmt.Sprintf("element %d: expected a string, got %T", i, item),
				}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, &core.ConfigError{Path: path, Reason: fmt.Sprintf("expected an array of strings, got %T", v)}
	}
}
