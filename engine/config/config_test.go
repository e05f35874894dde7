package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prism.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.Renderer.AsyncPresentation)
	assert.False(t, cfg.Renderer.ValidationLayers)
	assert.Equal(t, uint32(3), cfg.Renderer.FramesInFlight)
	assert.Equal(t, "mailbox", cfg.Renderer.PresentMode)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[renderer]
async_presentation = false
validation_layers = true
frames_in_flight = 2
present_mode = "fifo"

[log]
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Renderer.AsyncPresentation)
	assert.True(t, cfg.Renderer.ValidationLayers)
	assert.Equal(t, uint32(2), cfg.Renderer.FramesInFlight)
	assert.Equal(t, "fifo", cfg.Renderer.PresentMode)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadPartialConfigKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
[renderer]
validation_layers = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Renderer.ValidationLayers)
	// Everything not mentioned keeps its default.
	assert.True(t, cfg.Renderer.AsyncPresentation)
	assert.Equal(t, uint32(3), cfg.Renderer.FramesInFlight)
	assert.Equal(t, "mailbox", cfg.Renderer.PresentMode)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadInvalidToml(t *testing.T) {
	path := writeConfig(t, "renderer = [broken")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSanitizeClampsFramesInFlight(t *testing.T) {
	for given, want := range map[uint32]uint32{0: 2, 1: 2, 2: 2, 3: 3, 9: 3} {
		cfg := Default()
		cfg.Renderer.FramesInFlight = given
		cfg.sanitize()
		assert.Equal(t, want, cfg.Renderer.FramesInFlight, "frames_in_flight = %d", given)
	}
}

func TestSanitizeRejectsUnknownPresentMode(t *testing.T) {
	cfg := Default()
	cfg.Renderer.PresentMode = "immediate"
	cfg.sanitize()
	assert.Equal(t, "fifo", cfg.Renderer.PresentMode)
}

func TestApplyReplacesReloadableSettings(t *testing.T) {
	cfg := Default()

	next := Default()
	next.Renderer.AsyncPresentation = false
	next.Renderer.FramesInFlight = 2
	next.Log.Level = "warn"
	cfg.apply(next)

	got := cfg.Snapshot()
	assert.False(t, got.AsyncPresentation)
	assert.Equal(t, "warn", cfg.Log.Level)
	// Structural settings need a restart and are not reloaded.
	assert.Equal(t, uint32(3), got.FramesInFlight)
}
