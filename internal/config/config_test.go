package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Missing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Jobs)
}

func TestLoadFile_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[defaults]
jobs = 4
persist = true
extensions = ["js", "md"]
target_extension = "out"
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Defaults.Jobs)
	assert.Equal(t, 4, *cfg.Defaults.Jobs)
	require.NotNil(t, cfg.Defaults.Persist)
	assert.True(t, *cfg.Defaults.Persist)
	assert.Equal(t, []string{"js", "md"}, cfg.Defaults.Extensions)
	require.NotNil(t, cfg.Defaults.TargetExtension)
	assert.Equal(t, "out", *cfg.Defaults.TargetExtension)
	assert.Nil(t, cfg.Defaults.CacheRoot)
}

func TestPath_UsesXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, filepath.Join("/custom/config", "sift", "config.toml"), Path())
}
