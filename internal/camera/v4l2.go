package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/rs/zerolog/log"
)

// V4L2 fourcc codes for the formats we can consume.
const (
	fourccGrey = webcam.PixelFormat(0x59455247)
	fourccYUYV = webcam.PixelFormat(0x56595559)
	fourccMJPG = webcam.PixelFormat(0x47504A4D)
)

// V4L2 control IDs.
const (
	cidExposureAuto     = webcam.ControlID(0x009a0901)
	cidExposureAbsolute = webcam.ControlID(0x009a0902)
	cidAutogain         = webcam.ControlID(0x00980912)
	cidGain             = webcam.ControlID(0x00980913)
)

// V4L2 exposure auto menu values.
const (
	v4l2ExposureManual      = 1
	v4l2ExposureAperturePri = 3
)

var formatPreference = []struct {
	code webcam.PixelFormat
	pix  PixelFormat
}{
	{fourccGrey, Mono8},
	{fourccYUYV, YUYV},
	{fourccMJPG, MJPEG},
}

// V4L2Camera reads frames from a Video4Linux device such as /dev/video0.
type V4L2Camera struct {
	path string
	cam  *webcam.Webcam
	info Info

	mu       sync.Mutex
	fno      uint64
	fpsLimit float64
}

var _ Device = (*V4L2Camera)(nil)

// OpenV4L2 opens the device and selects the largest frame size of the first
// supported pixel format.
func OpenV4L2(path string) (*V4L2Camera, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	supported := cam.GetSupportedFormats()
	var code webcam.PixelFormat
	var pix PixelFormat
	for _, f := range formatPreference {
		if _, ok := supported[f.code]; ok {
			code, pix = f.code, f.pix
			break
		}
	}
	if pix == "" {
		cam.Close()
		return nil, fmt.Errorf("%s: no supported pixel format", path)
	}

	var width, height uint32
	for _, s := range cam.GetSupportedFrameSizes(code) {
		if s.MaxWidth*s.MaxHeight > width*height {
			width, height = s.MaxWidth, s.MaxHeight
		}
	}
	_, width, height, err = cam.SetImageFormat(code, width, height)
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("failed to set image format: %w", err)
	}

	c := &V4L2Camera{
		path: path,
		cam:  cam,
		info: Info{
			Name:           path,
			Width:          int(width),
			Height:         int(height),
			Format:         pix,
			FrameRateRange: Range{Min: 1, Max: 120},
		},
	}

	controls := cam.GetControls()
	if ctl, ok := controls[cidExposureAbsolute]; ok {
		c.info.ExposureRange = Range{Min: float64(ctl.Min) * 100, Max: float64(ctl.Max) * 100}
	}
	if ctl, ok := controls[cidGain]; ok {
		c.info.GainRange = Range{Min: float64(ctl.Min), Max: float64(ctl.Max)}
	}
	c.info.FrameRateLimitSup = true

	log.Info().Str("component", "camera").Str("device", path).
		Int("width", c.info.Width).Int("height", c.info.Height).
		Str("format", string(pix)).Msg("opened V4L2 camera")
	return c, nil
}

func (c *V4L2Camera) Info() Info { return c.info }

// ExposureTime returns microseconds. V4L2 counts in 100 µs units.
func (c *V4L2Camera) ExposureTime() (float64, error) {
	v, err := c.cam.GetControl(cidExposureAbsolute)
	if err != nil {
		return 0, err
	}
	return float64(v) * 100, nil
}

func (c *V4L2Camera) SetExposureTime(us float64) error {
	if err := c.info.ExposureRange.Check("exposure", us); err != nil {
		return err
	}
	return c.cam.SetControl(cidExposureAbsolute, int32(us/100))
}

func (c *V4L2Camera) SetExposureAuto(m AutoMode) error {
	switch m {
	case AutoOff:
		return c.cam.SetControl(cidExposureAuto, v4l2ExposureManual)
	case AutoContinuous:
		return c.cam.SetControl(cidExposureAuto, v4l2ExposureAperturePri)
	default:
		return ErrNotSupported
	}
}

func (c *V4L2Camera) Gain() (float64, error) {
	v, err := c.cam.GetControl(cidGain)
	return float64(v), err
}

func (c *V4L2Camera) SetGain(v float64) error {
	if err := c.info.GainRange.Check("gain", v); err != nil {
		return err
	}
	return c.cam.SetControl(cidGain, int32(v))
}

func (c *V4L2Camera) SetGainAuto(m AutoMode) error {
	switch m {
	case AutoOff:
		return c.cam.SetControl(cidAutogain, 0)
	case AutoContinuous:
		return c.cam.SetControl(cidAutogain, 1)
	default:
		return ErrNotSupported
	}
}

func (c *V4L2Camera) SetTriggerMode(TriggerMode) error { return ErrNotSupported }

func (c *V4L2Camera) SetTriggerSelector(TriggerSelector) error { return ErrNotSupported }

func (c *V4L2Camera) SetFrameRateLimitEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !enabled {
		return c.cam.SetFramerate(float32(c.info.FrameRateRange.Max))
	}
	if c.fpsLimit == 0 {
		return nil
	}
	return c.cam.SetFramerate(float32(c.fpsLimit))
}

func (c *V4L2Camera) SetFrameRateLimit(fps float64) error {
	if err := c.info.FrameRateRange.Check("frame rate", fps); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fpsLimit = fps
	return c.cam.SetFramerate(float32(fps))
}

// Capture streams frames until ctx is done.
func (c *V4L2Camera) Capture(ctx context.Context, emit func(*Frame)) error {
	if err := c.cam.StartStreaming(); err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	defer c.cam.StopStreaming()

	stride := c.info.Width * c.info.Format.BitsPerPixel() / 8
	const timeoutSec = 1
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.cam.WaitForFrame(timeoutSec)
		var timeout *webcam.Timeout
		if errors.As(err, &timeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait for frame: %w", err)
		}

		buf, err := c.cam.ReadFrame()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if len(buf) == 0 {
			continue
		}

		c.fno++
		emit(&Frame{
			Fno:       c.fno,
			Timestamp: time.Now(),
			Width:     c.info.Width,
			Height:    c.info.Height,
			Stride:    stride,
			Format:    c.info.Format,
			Data:      append([]byte(nil), buf...),
		})
	}
}

func (c *V4L2Camera) Close() error {
	return c.cam.Close()
}
