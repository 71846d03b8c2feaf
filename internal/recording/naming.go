// Package recording writes camera frames to disk in the supported
// container formats.
package recording

import (
	"errors"
	"time"

	"github.com/ncruces/go-strftime"
)

// Stdout is the filename sentinel that requests output to standard output.
const Stdout = "-"

var (
	// ErrStdoutNotSupported is returned by formats that need a seekable file.
	ErrStdoutNotSupported = errors.New("format cannot be written to stdout")
	// ErrClosed is returned when writing to a closed writer.
	ErrClosed = errors.New("writer closed")
)

// Default filename templates.
const (
	DefaultFmfTemplate  = "movie%Y%m%d_%H%M%S.fmf"
	DefaultMkvTemplate  = "movie%Y%m%d_%H%M%S.mkv"
	DefaultUfmfTemplate = "movie%Y%m%d_%H%M%S.ufmf"
	CsvBaseTemplate     = "flytrax%Y%m%d_%H%M%S"
)

// FormatTemplate expands strftime directives in tmpl using the local time
// t. %f expands to microseconds.
func FormatTemplate(tmpl string, t time.Time) string {
	if tmpl == Stdout {
		return Stdout
	}
	return strftime.Format(tmpl, t)
}

// FrameRate limits how often frames are saved. Zero means every frame.
type FrameRate float64

// Interval returns the minimum spacing between saved frames.
func (r FrameRate) Interval() time.Duration {
	if r <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(r))
}

// Throttle skips frames arriving faster than a target rate.
type Throttle struct {
	interval time.Duration
	last     time.Time
	started  bool
}

// NewThrottle returns a throttle for rate.
func NewThrottle(rate FrameRate) *Throttle {
	return &Throttle{interval: rate.Interval()}
}

// Allow reports whether a frame stamped ts should be saved and, if so,
// records it as the last saved frame.
func (t *Throttle) Allow(ts time.Time) bool {
	if t.started && ts.Sub(t.last) < t.interval {
		return false
	}
	t.started = true
	t.last = ts
	return true
}
