package core

import "sync"

const AVG_COUNT uint8 = 30

// MetricsState keeps rolling averages for the two pipeline stages that
// matter to an emulator backend: the render/submit cadence and the
// presentation cadence.
type MetricsState struct {
	FrameAVGCounter    uint8
	MStimes            [AVG_COUNT]float64
	MSavg              float64
	Frames             int32
	AccumulatedFrameMS float64
	FPS                float64

	PresentAVGCounter uint8
	PresentMStimes    [AVG_COUNT]float64
	PresentMSavg      float64
}

var onceMetrics sync.Once
var metricsState *MetricsState = nil

func MetricsInitialize() error {
	onceMetrics.Do(func() {
		metricsState = &MetricsState{
			MStimes: [AVG_COUNT]float64{0},
		}
	})
	return nil
}

func MetricsUpdate(frame_elapsed_time float64) {
	if metricsState == nil {
		return
	}
	// Calculate frame ms average
	frame_ms := (frame_elapsed_time * 1000.0)
	metricsState.MStimes[metricsState.FrameAVGCounter] = frame_ms
	if metricsState.FrameAVGCounter == AVG_COUNT-1 {
		for i := uint8(0); i < AVG_COUNT; i++ {
			metricsState.MSavg += metricsState.MStimes[i]
		}

		metricsState.MSavg /= float64(AVG_COUNT)
	}
	metricsState.FrameAVGCounter++
	metricsState.FrameAVGCounter %= AVG_COUNT

	// Calculate Frames per second.
	metricsState.AccumulatedFrameMS += frame_ms
	if metricsState.AccumulatedFrameMS > 1000 {
		metricsState.FPS = float64(metricsState.Frames)
		metricsState.AccumulatedFrameMS -= 1000
		metricsState.Frames = 0
	}

	// Count all Frames.
	metricsState.Frames++
}

// MetricsPresentUpdate records how long one swapchain copy+present took.
func MetricsPresentUpdate(present_elapsed_time float64) {
	if metricsState == nil {
		return
	}
	present_ms := (present_elapsed_time * 1000.0)
	metricsState.PresentMStimes[metricsState.PresentAVGCounter] = present_ms
	if metricsState.PresentAVGCounter == AVG_COUNT-1 {
		metricsState.PresentMSavg = 0
		for i := uint8(0); i < AVG_COUNT; i++ {
			metricsState.PresentMSavg += metricsState.PresentMStimes[i]
		}
		metricsState.PresentMSavg /= float64(AVG_COUNT)
	}
	metricsState.PresentAVGCounter++
	metricsState.PresentAVGCounter %= AVG_COUNT
}

func MetricsFPS() float64 {
	if metricsState == nil {
		return 0
	}
	return metricsState.FPS
}

func MetricsFrameTime() float64 {
	if metricsState == nil {
		return 0
	}
	return metricsState.MSavg
}

func MetricsPresentTime() float64 {
	if metricsState == nil {
		return 0
	}
	return metricsState.PresentMSavg
}

func MetricsFrame() (float64, float64) {
	return MetricsFPS(), MetricsFrameTime()
}
