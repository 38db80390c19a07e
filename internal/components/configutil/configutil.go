// Package configutil reads json5 configuration with local overrides.
package configutil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// Layers lists the files read for name in increasing priority: the file
// itself, then `<name>.local.<ext>` next to it.
func Layers(name string) []string {
	ext := filepath.Ext(name)
	local := strings.TrimSuffix(name, ext) + ".local" + ext
	return []string{name, local}
}

func readLayer[T any](path string) (T, bool, error) {
	var out T
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(buf) == 0) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	err = json5.Unmarshal(buf, &out)
	if err != nil {
		return out, false, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, true, nil
}

// ReadConfig merges every layer of name that exists, fields set in a later
// layer override the earlier ones. os.ErrNotExist is returned when no layer
// exists.
func ReadConfig[T any](name string) (T, error) {
	var out T
	found := false
	for _, path := range Layers(name) {
		layer, ok, err := readLayer[T](path)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		if !found {
			out = layer
			found = true
			continue
		}
		err = mergo.Merge(&out, layer, mergo.WithOverride)
		if err != nil {
			return out, fmt.Errorf("merge %s: %w", path, err)
		}
		slog.Info("merged config with local overrides", "local", path)
	}
	if !found {
		return out, os.ErrNotExist
	}
	return out, nil
}

// ResolvePath expands a leading `<state>` segment to the given state
// directory, other paths are made relative to base when not absolute.
func ResolvePath(base, stateDir, path string) string {
	if rest, ok := strings.CutPrefix(path, "<state>"); ok {
		return filepath.Join(stateDir, rest)
	}
	if filepath.IsAbs(path) || strings.Contains(path, "://") {
		return path
	}
	return filepath.Join(base, path)
}
