package processing

import (
	"time"

	"github.com/rs/zerolog/log"

	"strandcam/internal/camera"
	"strandcam/internal/metrics"
	"strandcam/internal/store"
)

// Ingest forwards captured frames to the actor without ever blocking the
// capture thread.
type Ingest struct {
	out     chan<- Msg
	errs    *ErrorState
	shared  *store.Shared
	metrics *metrics.Collector
	clock   func() time.Time
}

// NewIngest creates a forwarder. shared may be nil until the store exists.
func NewIngest(out chan<- Msg, errs *ErrorState, shared *store.Shared, m *metrics.Collector) *Ingest {
	if m == nil {
		m = metrics.New()
	}
	return &Ingest{out: out, errs: errs, shared: shared, metrics: m, clock: time.Now}
}

// Offer queues f for processing. When the queue is full the frame is
// dropped and the error state decides whether to flag it.
func (i *Ingest) Offer(f *camera.Frame) bool {
	select {
	case i.out <- FrameMsg{Frame: f}:
		return true
	default:
	}

	i.metrics.FramesDropped.Inc()
	if i.errs.Observe(i.clock()) {
		log.Warn().Str("component", "ingest").Uint64("fno", f.Fno).Msg("processing queue full, dropping frame")
		if i.shared != nil {
			i.shared.Modify(func(s *store.SharedState) { s.HadFrameProcessingError = true })
		}
	}
	return false
}
