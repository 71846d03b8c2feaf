package camera

import (
	"context"
	"math"
	"sync"
	"time"
)

// SyntheticCamera renders a dark disc orbiting the image center. It is used
// when no hardware is attached and by tests.
type SyntheticCamera struct {
	info Info

	mu              sync.Mutex
	exposure        float64
	exposureAuto    AutoMode
	gain            float64
	gainAuto        AutoMode
	triggerMode     TriggerMode
	triggerSelector TriggerSelector
	fpsLimitEnabled bool
	fpsLimit        float64
	failWith        error
}

var _ Device = (*SyntheticCamera)(nil)

// NewSynthetic creates a Mono8 camera of the given size running at fps.
func NewSynthetic(width, height int, fps float64) *SyntheticCamera {
	if fps <= 0 {
		fps = 30
	}
	return &SyntheticCamera{
		info: Info{
			Name:              "synthetic",
			Width:             width,
			Height:            height,
			Format:            Mono8,
			ExposureRange:     Range{Min: 10, Max: 100000},
			GainRange:         Range{Min: 0, Max: 24},
			FrameRateRange:    Range{Min: 1, Max: 1000},
			FrameRateLimitSup: true,
		},
		exposure:        5000,
		exposureAuto:    AutoOff,
		gainAuto:        AutoOff,
		triggerMode:     TriggerOff,
		triggerSelector: SelectorFrameStart,
		fpsLimit:        fps,
	}
}

// FailSetters makes every subsequent setter return err. Pass nil to clear.
func (c *SyntheticCamera) FailSetters(err error) {
	c.mu.Lock()
	c.failWith = err
	c.mu.Unlock()
}

func (c *SyntheticCamera) Info() Info { return c.info }

func (c *SyntheticCamera) ExposureTime() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exposure, nil
}

func (c *SyntheticCamera) SetExposureTime(v float64) error {
	return c.set(func() error {
		if err := c.info.ExposureRange.Check("exposure", v); err != nil {
			return err
		}
		c.exposure = v
		return nil
	})
}

func (c *SyntheticCamera) SetExposureAuto(m AutoMode) error {
	return c.set(func() error { c.exposureAuto = m; return nil })
}

func (c *SyntheticCamera) Gain() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gain, nil
}

func (c *SyntheticCamera) SetGain(v float64) error {
	return c.set(func() error {
		if err := c.info.GainRange.Check("gain", v); err != nil {
			return err
		}
		c.gain = v
		return nil
	})
}

func (c *SyntheticCamera) SetGainAuto(m AutoMode) error {
	return c.set(func() error { c.gainAuto = m; return nil })
}

func (c *SyntheticCamera) SetTriggerMode(m TriggerMode) error {
	return c.set(func() error { c.triggerMode = m; return nil })
}

func (c *SyntheticCamera) SetTriggerSelector(s TriggerSelector) error {
	return c.set(func() error { c.triggerSelector = s; return nil })
}

func (c *SyntheticCamera) SetFrameRateLimitEnabled(enabled bool) error {
	return c.set(func() error { c.fpsLimitEnabled = enabled; return nil })
}

func (c *SyntheticCamera) SetFrameRateLimit(fps float64) error {
	return c.set(func() error {
		if err := c.info.FrameRateRange.Check("frame rate", fps); err != nil {
			return err
		}
		c.fpsLimit = fps
		return nil
	})
}

func (c *SyntheticCamera) set(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	return fn()
}

func (c *SyntheticCamera) interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(float64(time.Second) / c.fpsLimit)
}

// Capture renders frames at the configured rate until ctx is done.
func (c *SyntheticCamera) Capture(ctx context.Context, emit func(*Frame)) error {
	var fno uint64
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-timer.C:
			emit(c.Render(fno, now))
			fno++
			timer.Reset(c.interval())
		}
	}
}

// Render draws frame fno. The disc completes one orbit every 200 frames.
func (c *SyntheticCamera) Render(fno uint64, ts time.Time) *Frame {
	w, h := c.info.Width, c.info.Height
	data := make([]byte, w*h)
	for i := range data {
		data[i] = 200
	}

	angle := 2 * math.Pi * float64(fno%200) / 200
	cx := float64(w)/2 + float64(w)/4*math.Cos(angle)
	cy := float64(h)/2 + float64(h)/4*math.Sin(angle)
	r := math.Max(2, float64(min(w, h))/20)

	for y := int(cy - r); y <= int(cy+r); y++ {
		if y < 0 || y >= h {
			continue
		}
		for x := int(cx - r); x <= int(cx+r); x++ {
			if x < 0 || x >= w {
				continue
			}
			dx, dy := float64(x)-cx, float64(y)-cy
			if dx*dx+dy*dy <= r*r {
				data[y*w+x] = 20
			}
		}
	}

	return &Frame{
		Fno:       fno,
		Timestamp: ts,
		Width:     w,
		Height:    h,
		Stride:    w,
		Format:    Mono8,
		Data:      data,
	}
}

func (c *SyntheticCamera) Close() error { return nil }
