// Package camera is the boundary to the capture device. Backends deliver
// frames on their own thread and expose the controllable properties.
package camera

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotSupported is returned for properties a backend cannot change.
var ErrNotSupported = errors.New("property not supported by camera")

// AutoMode is the auto-exposure / auto-gain setting.
type AutoMode string

const (
	AutoOff        AutoMode = "Off"
	AutoOnce       AutoMode = "Once"
	AutoContinuous AutoMode = "Continuous"
)

// TriggerMode selects free-running or externally triggered capture.
type TriggerMode string

const (
	TriggerOff TriggerMode = "Off"
	TriggerOn  TriggerMode = "On"
)

// TriggerSelector selects which event the trigger applies to.
type TriggerSelector string

const (
	SelectorFrameStart       TriggerSelector = "FrameStart"
	SelectorAcquisitionStart TriggerSelector = "AcquisitionStart"
	SelectorFrameBurstStart  TriggerSelector = "FrameBurstStart"
)

// Range is the device-validated bounds of a numeric property.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Check returns an error if v lies outside the range.
func (r Range) Check(name string, v float64) error {
	if v < r.Min || v > r.Max {
		return fmt.Errorf("%s %g out of range [%g, %g]", name, v, r.Min, r.Max)
	}
	return nil
}

// Info describes a camera at open time.
type Info struct {
	Name              string
	Width             int
	Height            int
	Format            PixelFormat
	ExposureRange     Range
	GainRange         Range
	FrameRateRange    Range
	FrameRateLimitSup bool
}

// Device is a capture device. Setters are called from the command
// dispatcher while Capture runs on the camera thread.
type Device interface {
	Info() Info

	ExposureTime() (float64, error)
	SetExposureTime(v float64) error
	SetExposureAuto(m AutoMode) error
	Gain() (float64, error)
	SetGain(v float64) error
	SetGainAuto(m AutoMode) error
	SetTriggerMode(m TriggerMode) error
	SetTriggerSelector(s TriggerSelector) error
	SetFrameRateLimitEnabled(enabled bool) error
	SetFrameRateLimit(fps float64) error

	// Capture blocks delivering frames to emit until ctx is cancelled or
	// the device fails.
	Capture(ctx context.Context, emit func(*Frame)) error

	Close() error
}
