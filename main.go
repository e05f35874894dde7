package main

import (
	"errors"
	"fmt"
	"image/png"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spaghettifunk/prism/engine/config"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/platform"
	"github.com/spaghettifunk/prism/engine/renderer/vulkan"
)

const (
	windowWidth  uint32 = 1280
	windowHeight uint32 = 720
	configPath          = "prism.toml"
)

// noTranslator stands in for the guest shader translator. The demo
// never builds a pipeline, so it only has to exist.
func noTranslator(_ vulkan.ShaderProfile, stage int, _ []byte) ([]uint32, error) {
	return nil, fmt.Errorf("no shader translator configured for stage %d", stage)
}

// saveScreenshot reads the frame back at its native size and writes a
// timestamped PNG next to the binary.
func saveScreenshot(renderer *vulkan.VulkanRenderer, frame *vulkan.Frame) error {
	img, err := renderer.Screenshot(frame, int(frame.Width), int(frame.Height))
	if err != nil {
		return err
	}
	name := fmt.Sprintf("prism-%s.png", time.Now().Format("20060102-150405"))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return err
	}
	core.LogInfo("saved screenshot %s", name)
	return nil
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		cfg = config.Default()
	} else {
		stop, werr := cfg.Watch(configPath)
		if werr != nil {
			core.LogWarn("config watch unavailable: %v", werr)
		} else {
			defer stop()
		}
	}

	if err := core.MetricsInitialize(); err != nil {
		return err
	}

	p, err := platform.New()
	if err != nil {
		return err
	}
	if err := p.Startup("Prism", 100, 100, windowWidth, windowHeight); err != nil {
		return err
	}
	defer p.Shutdown()

	renderer := vulkan.New(p, cfg)
	if err := renderer.Initialize("Prism", windowWidth, windowHeight, noTranslator); err != nil {
		return err
	}
	defer renderer.Shutdown()

	p.OnResize = renderer.Resized

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	// SIGUSR1 captures the next frame to a PNG.
	capture := make(chan os.Signal, 1)
	signal.Notify(capture, syscall.SIGUSR1)

	lastTime := platform.GetAbsTime()
	for !p.Window.ShouldClose() {
		select {
		case <-interrupt:
			core.LogInfo("interrupted, shutting down")
			return nil
		default:
		}

		p.PumpMessages()

		now := platform.GetAbsTime()
		delta := now - lastTime
		lastTime = now

		frame, err := renderer.AcquireFrame()
		if err != nil {
			return err
		}
		if frame == nil {
			// Minimized; keep pumping events.
			continue
		}

		// Slow color sweep so motion is visible.
		t := now * 0.5
		r := float32(0.5 + 0.5*math.Sin(t))
		g := float32(0.5 + 0.5*math.Sin(t+2.0))
		b := float32(0.5 + 0.5*math.Sin(t+4.0))
		renderer.RenderClear(frame, r, g, b, 1.0)

		select {
		case <-capture:
			if err := saveScreenshot(renderer, frame); err != nil {
				core.LogError("screenshot failed: %v", err)
			}
		default:
		}

		if err := renderer.PresentFrame(frame, delta); err != nil {
			return err
		}
	}
	core.LogInfo("average frame %.2fms, present %.2fms", core.MetricsFrameTime(), core.MetricsPresentTime())
	return nil
}

func main() {
	if err := run(); err != nil {
		core.LogFatal("%v", err)
	}
}
