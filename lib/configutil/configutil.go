package configutil

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// LocalPath returns the override file that sits next to name, ex.
// "snapr.json5" -> "snapr.local.json5".
func LocalPath(name string) string {
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s.local%s", strings.TrimSuffix(name, ext), ext)
}

// readJson5 decodes a single json5 file, found is false when the file does not
// exist or is empty.
func readJson5[T any](path string, out *T) (found bool, err error) {
	contents, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(contents) == 0 {
		return false, nil
	}
	err = json5.Unmarshal(contents, out)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// ReadConfig reads a json5 configuration file and merges the local override
// next to it (see LocalPath) on top, fields set in the override win. A pointer
// field the override sets replaces the base value as a whole, even when it
// points to a zero value.
//
// fs.ErrNotExist is returned when neither file exists.
func ReadConfig[T any](name string) (T, error) {
	var out T
	found, err := readJson5(name, &out)
	if err != nil {
		return out, err
	}

	localPath := LocalPath(name)
	var override T
	foundLocal, err := readJson5(localPath, &override)
	if err != nil {
		return out, err
	}
	if foundLocal {
		err = mergo.Merge(&out, override, mergo.WithOverride, mergo.WithoutDereference)
		if err != nil {
			return out, err
		}
		slog.Debug("merging config with local overrides", "local", localPath)
	}

	if !found && !foundLocal {
		return out, fs.ErrNotExist
	}
	return out, nil
}

// ReadRecursively is ReadConfig, but when name is relative it is searched for in
// the working directory and then every parent directory up to the root.
func ReadRecursively[T any](name string) (T, string, error) {
	var empty T
	if filepath.IsAbs(name) {
		config, err := ReadConfig[T](name)
		return config, name, err
	}

	current, err := os.Getwd()
	if err != nil {
		return empty, "", err
	}
	for {
		path := filepath.Join(current, name)
		config, err := ReadConfig[T](path)
		if err == nil {
			return config, path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return empty, "", err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return empty, "", fs.ErrNotExist
		}
		current = parent
	}
}
