// Package config loads optional defaults for the sift CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the top-level shape of the defaults file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults. Pointer fields
// distinguish "unset" from a zero value so explicit flags always win.
type DefaultsConfig struct {
	Jobs            *int     `toml:"jobs"`
	Persist         *bool    `toml:"persist"`
	Extensions      []string `toml:"extensions"`
	TargetExtension *string  `toml:"target_extension"`
	CacheRoot       *string  `toml:"cache_root"`
}

// Load reads the defaults file from the user's config directory. A
// missing file yields a zero Config; the CLI works without one.
func Load() (Config, error) {
	return LoadFile(Path())
}

// Path reports where Load looks: sift/config.toml under
// $XDG_CONFIG_HOME, or ~/.config when that is unset. Empty when no
// home directory can be determined.
func Path() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "sift", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "sift", "config.toml")
}

// LoadFile decodes a defaults file at an explicit path.
func LoadFile(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, &cfg)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Config{}, nil
	case err != nil:
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
