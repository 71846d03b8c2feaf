package fps

import "time"

// DefaultWindow is the number of frames averaged per estimate.
const DefaultWindow = 100

// Estimator reports a rate once every window frames.
type Estimator struct {
	window  uint64
	started bool
	prevFno uint64
	prevTS  time.Time
}

// NewEstimator returns an estimator averaging over window frames.
func NewEstimator(window uint64) *Estimator {
	if window == 0 {
		window = DefaultWindow
	}
	return &Estimator{window: window}
}

// Update feeds one sample. It returns the rate in frames per second and
// true only when a full window has elapsed since the last reported sample.
func (e *Estimator) Update(fno uint64, ts time.Time) (float64, bool) {
	if !e.started || fno < e.prevFno {
		e.started = true
		e.prevFno = fno
		e.prevTS = ts
		return 0, false
	}

	n := fno - e.prevFno
	if n < e.window {
		return 0, false
	}

	elapsed := ts.Sub(e.prevTS)
	e.prevFno = fno
	e.prevTS = ts
	if elapsed <= 0 {
		return 0, false
	}
	return float64(n) / elapsed.Seconds(), true
}
