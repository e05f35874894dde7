package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/prism/engine/core"
)

// Config is the renderer configuration loaded from a TOML file. All
// fields have usable defaults so the backend can run without a file.
type Config struct {
	mu sync.RWMutex

	Renderer RendererConfig `toml:"renderer"`
	Log      LogConfig      `toml:"log"`
}

type RendererConfig struct {
	// AsyncPresentation moves the swapchain copy and present call to a
	// dedicated goroutine.
	AsyncPresentation bool `toml:"async_presentation"`
	// ValidationLayers enables VK_LAYER_KHRONOS_validation.
	ValidationLayers bool `toml:"validation_layers"`
	// FramesInFlight is clamped to [2,3] by the present manager.
	FramesInFlight uint32 `toml:"frames_in_flight"`
	// PresentMode is "fifo" (vsync) or "mailbox".
	PresentMode string `toml:"present_mode"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

func Default() *Config {
	return &Config{
		Renderer: RendererConfig{
			AsyncPresentation: true,
			ValidationLayers:  false,
			FramesInFlight:    3,
			PresentMode:       "mailbox",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a TOML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.sanitize()
	core.LogSetLevel(cfg.Log.Level)
	return cfg, nil
}

func (c *Config) sanitize() {
	if c.Renderer.FramesInFlight < 2 {
		c.Renderer.FramesInFlight = 2
	}
	if c.Renderer.FramesInFlight > 3 {
		c.Renderer.FramesInFlight = 3
	}
	switch c.Renderer.PresentMode {
	case "fifo", "mailbox":
	default:
		core.LogWarn("unknown present mode %q, falling back to fifo", c.Renderer.PresentMode)
		c.Renderer.PresentMode = "fifo"
	}
}

// Snapshot returns a copy of the current renderer settings. Callers
// must not hold on to it across reloads.
func (c *Config) Snapshot() RendererConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Renderer
}

// apply replaces the reloadable settings from a freshly parsed config.
// Structural settings (frames in flight, validation layers) require a
// restart and are deliberately not copied.
func (c *Config) apply(next *Config) {
	c.mu.Lock()
	c.Renderer.AsyncPresentation = next.Renderer.AsyncPresentation
	c.Log.Level = next.Log.Level
	c.mu.Unlock()
	core.LogSetLevel(next.Log.Level)
}
