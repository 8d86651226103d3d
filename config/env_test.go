package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnv_MissingFileIsEmpty(t *testing.T) {
	env, err := LoadEnv(filepath.Join(t.TempDir(), "env.yml"))
	require.NoError(t, err)
	assert.Empty(t, env.All())
}

func TestEnv_GetSetDeleteSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yml")
	env, err := LoadEnv(path)
	require.NoError(t, err)

	env.Set("name", "rex")
	env.Set("speed", 0.5)
	env.Set("tags", []any{"a", "b"})

	v, ok := env.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "rex", v)

	assert.True(t, env.Delete("tags"))
	assert.False(t, env.Delete("tags"))
	_, ok = env.Get("tags")
	assert.False(t, ok)

	require.NoError(t, env.Save())

	reread, err := LoadEnv(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "rex", "speed": 0.5}, reread.All())
}

func TestEnv_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yml")
	require.NoError(t, os.WriteFile(path, []byte("- not\n- a map\n"), 0o644))
	_, err := LoadEnv(path)
	assert.Error(t, err)
}
