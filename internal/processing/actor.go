// Package processing runs the per-camera frame processing actor. It owns
// the recording writers, the post-trigger buffer and detection state, and
// is the only consumer of its message queue.
package processing

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
	"strandcam/internal/fps"
	"strandcam/internal/hook"
	"strandcam/internal/imops"
	"strandcam/internal/metrics"
	"strandcam/internal/recording"
	"strandcam/internal/ringbuf"
	"strandcam/internal/store"
	"strandcam/internal/stream"
)

// ErrWriter marks a recording failure. It always stops the actor.
var ErrWriter = errors.New("recording writer failed")

// Heartbeat reports liveness of the auxiliary device.
type Heartbeat interface {
	LastSeen() time.Time
	Interval() time.Duration
}

// Detections is sent to the tracking consumer for every frame with points.
type Detections struct {
	Fno       uint64
	Timestamp time.Time
	Source    string
	Points    []detect.Point
}

// Options wires the optional collaborators of an Actor. Nil fields disable
// the corresponding feature.
type Options struct {
	Factory   recording.Factory
	CsvDir    string
	Firehose  chan<- stream.AnnotatedFrame
	Tracker   chan<- Detections
	Hook      hook.Processor
	Corners   hook.CornerFinder
	Collected *Corners
	Heartbeat Heartbeat
	ImOps     *imops.Sender
	Metrics   *metrics.Collector
	FPSWindow uint64
	Clock     func() time.Time
}

type throttledWriter struct {
	w        recording.Writer
	throttle *recording.Throttle
}

// Actor processes frames and recording commands strictly in arrival order.
type Actor struct {
	in   <-chan Msg
	opts Options

	shared   *store.Shared
	fps      *fps.Estimator
	ring     *ringbuf.Buffer[*camera.Frame]
	detector *detect.Detector
	tracking bool
	csv      *CsvSaver
	cb       *cooldown

	fmf  *throttledWriter
	mkv  *throttledWriter
	ufmf recording.Writer
}

// NewActor creates an actor reading from in.
func NewActor(in <-chan Msg, opts Options) *Actor {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Collected == nil {
		opts.Collected = NewCorners()
	}
	return &Actor{
		in:       in,
		opts:     opts,
		fps:      fps.NewEstimator(opts.FPSWindow),
		ring:     ringbuf.New[*camera.Frame](0),
		detector: detect.NewDetector(detect.DefaultConfig()),
		csv:      NewCsvSaver(opts.CsvDir),
		cb:       newCooldown(),
	}
}

// Run blocks until Quit, until the queue is closed or ctx is cancelled. A
// non-nil error means a fatal failure.
func (a *Actor) Run(ctx context.Context) error {
	defer a.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-a.in:
			if !ok {
				log.Info().Str("component", "processing").Msg("queue closed")
				return nil
			}
			if _, quit := msg.(Quit); quit {
				log.Info().Str("component", "processing").Msg("quit requested")
				return nil
			}
			if err := a.handle(ctx, msg); err != nil {
				a.opts.Metrics.FatalErrors.Inc()
				return err
			}
		}
	}
}

func (a *Actor) handle(ctx context.Context, msg Msg) error {
	switch m := msg.(type) {
	case FrameMsg:
		return a.onFrame(ctx, m.Frame)
	case StoreHandoff:
		a.shared = m.Shared
	case StartFMF:
		if a.fmf != nil {
			a.closeWriter(recording.FormatFMF, a.fmf.w)
			a.fmf = nil
		}
		w, err := a.opts.Factory.NewFMF(m.Path)
		if err != nil {
			return a.writerFailed(recording.FormatFMF, err)
		}
		a.fmf = &throttledWriter{w: w, throttle: recording.NewThrottle(m.Rate)}
		a.recordingGauge(recording.FormatFMF, true)
		log.Info().Str("component", "processing").Str("path", w.Path()).Msg("started fmf recording")
	case StopFMF:
		a.closeFMF()
	case StartMkv:
		return a.startMkv(m.Path, m.Config, false)
	case PostTriggerStartMkv:
		return a.startMkv(m.Path, m.Config, true)
	case StopMkv:
		a.closeMkv()
	case StartUFMF:
		if a.ufmf != nil {
			a.closeWriter(recording.FormatUFMF, a.ufmf)
			a.ufmf = nil
		}
		w, err := a.opts.Factory.NewUFMF(m.Path)
		if err != nil {
			return a.writerFailed(recording.FormatUFMF, err)
		}
		a.ufmf = w
		a.recordingGauge(recording.FormatUFMF, true)
		log.Info().Str("component", "processing").Str("path", w.Path()).Msg("started ufmf recording")
	case StopUFMF:
		a.closeUFMF()
	case SetPostTriggerBufferSize:
		a.ring.SetSize(m.Size)
		a.opts.Metrics.RingBufferFrames.Set(float64(a.ring.Len()))
	case SetTracking:
		a.tracking = m.Enabled
	case SetIsSavingObjDetectionCsv:
		return a.setCsv(m.Config)
	case SetObjDetectionConfig:
		a.detector.SetConfig(m.Config)
	default:
		log.Warn().Str("component", "processing").Str("msg", fmt.Sprintf("%T", msg)).Msg("unhandled message")
	}
	return nil
}

func (a *Actor) startMkv(path string, cfg recording.MkvConfig, postTrigger bool) error {
	if a.mkv != nil {
		a.closeWriter(recording.FormatMKV, a.mkv.w)
		a.mkv = nil
	}
	w, err := a.opts.Factory.NewMKV(path, cfg)
	if err != nil {
		return a.writerFailed(recording.FormatMKV, err)
	}
	a.mkv = &throttledWriter{w: w, throttle: recording.NewThrottle(cfg.MaxFramerate)}
	a.recordingGauge(recording.FormatMKV, true)

	if postTrigger {
		buffered := a.ring.Drain()
		a.opts.Metrics.RingBufferFrames.Set(0)
		log.Info().Str("component", "processing").Int("frames", len(buffered)).Str("path", w.Path()).Msg("started post-trigger mkv recording")
		for _, f := range buffered {
			if err := a.writeThrottled(a.mkv, f, nil); err != nil {
				return a.writerFailed(recording.FormatMKV, err)
			}
		}
		return nil
	}
	log.Info().Str("component", "processing").Str("path", w.Path()).Msg("started mkv recording")
	return nil
}

func (a *Actor) setCsv(cfg store.CsvSaveConfig) error {
	if !cfg.Saving {
		if err := a.csv.Stop(); err != nil {
			return fmt.Errorf("%w: csv: %v", ErrWriter, err)
		}
		a.modify(func(s *store.SharedState) { s.IsSavingObjDetectionCsv = nil })
		return nil
	}
	if !a.tracking {
		log.Error().Str("component", "processing").Msg("cannot save csv while object detection is disabled")
		return nil
	}
	if err := a.csv.Start(cfg.RateLimit); err != nil {
		return fmt.Errorf("%w: csv: %v", ErrWriter, err)
	}
	return nil
}

func (a *Actor) onFrame(ctx context.Context, f *camera.Frame) error {
	now := a.opts.Clock()
	a.opts.Metrics.FramesProcessed.Inc()

	var st store.SharedState
	if a.shared != nil {
		st = a.shared.Read()
	}

	if rate, ok := a.fps.Update(f.Fno, f.Timestamp); ok {
		a.opts.Metrics.MeasuredFPS.Set(rate)
		a.modify(func(s *store.SharedState) { s.MeasuredFPS = rate })
	}
	a.checkHeartbeat(now, &st)

	a.ring.Push(f)
	a.opts.Metrics.RingBufferFrames.Set(float64(a.ring.Len()))

	var gray *image.Gray
	grayFrame := func() *image.Gray {
		if gray == nil {
			g, err := f.Gray()
			if err != nil {
				a.frameError("convert", f, err)
				return nil
			}
			gray = g
		}
		return gray
	}

	var annotations []stream.Annotation
	if st.Checkerboard.Enabled && a.opts.Corners != nil && a.cb.ready(now) {
		annotations = a.findCorners(ctx, f, &st)
	}

	var points []detect.Point
	validDisplay := detect.Everything
	if a.tracking {
		if g := grayFrame(); g != nil {
			points = a.detector.Detect(g)
			validDisplay = a.detector.Config().ValidRegion
		}
		a.sendTracker(f, "detector", points)
	}

	if err := a.saveCsv(f, points, &st); err != nil {
		return err
	}

	if st.ImOps.DoDetection && a.opts.ImOps != nil {
		if g := grayFrame(); g != nil {
			if pt := a.opts.ImOps.Process(g, st.ImOps); pt != nil {
				points = append(points, *pt)
			}
		}
	}

	if err := a.writeFrame(f, points); err != nil {
		return err
	}

	if a.opts.Firehose != nil {
		select {
		case a.opts.Firehose <- stream.AnnotatedFrame{Frame: f, Points: points, ValidDisplay: validDisplay, Annotations: annotations}:
		default:
			a.opts.Metrics.FirehoseDropped.Inc()
		}
	}

	return a.runHook(ctx, f)
}

func (a *Actor) saveCsv(f *camera.Frame, points []detect.Point, st *store.SharedState) error {
	if !a.csv.Active() {
		return nil
	}
	created, err := a.csv.Frame(f, points, st)
	if err != nil {
		a.csv.Stop()
		a.modify(func(s *store.SharedState) { s.IsSavingObjDetectionCsv = nil })
		return fmt.Errorf("%w: csv: %v", ErrWriter, err)
	}
	if created != "" {
		rp := store.NewRecordingPath("", created)
		a.modify(func(s *store.SharedState) { s.IsSavingObjDetectionCsv = rp })
	}
	return nil
}

func (a *Actor) writeFrame(f *camera.Frame, points []detect.Point) error {
	if a.mkv != nil {
		if err := a.writeThrottled(a.mkv, f, points); err != nil {
			return a.writerFailed(recording.FormatMKV, err)
		}
	}
	if a.fmf != nil {
		if err := a.writeThrottled(a.fmf, f, points); err != nil {
			return a.writerFailed(recording.FormatFMF, err)
		}
	}
	if a.ufmf != nil {
		if err := a.ufmf.Write(f, points); err != nil {
			return a.writerFailed(recording.FormatUFMF, err)
		}
	}
	return nil
}

func (a *Actor) writeThrottled(tw *throttledWriter, f *camera.Frame, points []detect.Point) error {
	if !tw.throttle.Allow(f.Timestamp) {
		return nil
	}
	return tw.w.Write(f, points)
}

func (a *Actor) runHook(ctx context.Context, f *camera.Frame) error {
	if a.opts.Hook == nil {
		return nil
	}
	start := time.Now()
	points, err := a.opts.Hook.Process(ctx, f)
	a.opts.Metrics.HookLatency.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		a.sendTracker(f, "hook", points)
		return nil
	case errors.Is(err, hook.ErrTimeout):
		a.opts.Metrics.HookTimeouts.Inc()
		log.Error().Str("component", "processing").Uint64("fno", f.Fno).Msg("not displaying annotation because the processing hook took too long")
		return nil
	case errors.Is(err, hook.ErrDisconnected):
		return fmt.Errorf("processing hook: %w", err)
	case errors.Is(err, context.Canceled):
		return nil
	default:
		a.frameError("hook", f, err)
		return nil
	}
}

func (a *Actor) sendTracker(f *camera.Frame, source string, points []detect.Point) {
	if a.opts.Tracker == nil || len(points) == 0 {
		return
	}
	select {
	case a.opts.Tracker <- Detections{Fno: f.Fno, Timestamp: f.Timestamp, Source: source, Points: points}:
	default:
		a.opts.Metrics.TrackerDropped.Inc()
	}
}

func (a *Actor) checkHeartbeat(now time.Time, st *store.SharedState) {
	hb := a.opts.Heartbeat
	if hb == nil || a.shared == nil || st.DeviceLost {
		return
	}
	last := hb.LastSeen()
	if last.IsZero() || now.Sub(last) <= 2*hb.Interval() {
		return
	}
	log.Error().Str("component", "processing").Time("last_seen", last).Msg("device lost")
	a.opts.Metrics.DeviceLost.Set(1)
	a.modify(func(s *store.SharedState) { s.DeviceLost = true })
	st.DeviceLost = true
}

func (a *Actor) findCorners(ctx context.Context, f *camera.Frame, st *store.SharedState) []stream.Annotation {
	cb := st.Checkerboard
	stamp := a.opts.Clock()
	debugDir := st.CheckerboardSaveDebug

	if debugDir != "" {
		a.saveDebugImage(debugDir, f, cb, stamp)
	}

	log.Info().Str("component", "processing").Uint32("width", cb.Width).Uint32("height", cb.Height).Msg("attempting to find chessboard")
	start := time.Now()
	corners, err := a.opts.Corners.FindCorners(ctx, f, cb.Width, cb.Height)
	work := time.Since(start)
	a.cb.done(work, a.opts.Clock())

	if err != nil {
		a.frameError("checkerboard", f, err)
		return nil
	}

	if debugDir != "" {
		a.saveDebugCorners(debugDir, corners, work, stamp)
	}

	if len(corners) == 0 {
		log.Info().Str("component", "processing").Int64("ms", work.Milliseconds()).Msg("found no chessboard corners")
		return nil
	}
	log.Info().Str("component", "processing").Int("corners", len(corners)).Int64("ms", work.Milliseconds()).Msg("found chessboard corners")

	n := a.opts.Collected.Add(corners)
	a.modify(func(s *store.SharedState) { s.Checkerboard.NumCheckerboardsCollected = uint32(n) })
	return []stream.Annotation{{Label: "checkerboard", Points: corners}}
}

func (a *Actor) saveDebugImage(dir string, f *camera.Frame, cb store.CheckerboardData, stamp time.Time) {
	name := fmt.Sprintf("input_%d_%d_%s.png", cb.Width, cb.Height, recording.FormatTemplate("%Y%m%d_%H%M%S", stamp))
	img, err := f.Image()
	if err != nil {
		a.frameError("checkerboard_debug", f, err)
		return
	}
	fd, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		a.frameError("checkerboard_debug", f, err)
		return
	}
	defer fd.Close()
	if err := png.Encode(fd, img); err != nil {
		a.frameError("checkerboard_debug", f, err)
	}
}

func (a *Actor) saveDebugCorners(dir string, corners [][2]float64, work time.Duration, stamp time.Time) {
	data := struct {
		Corners      [][2]float64 `yaml:"corners"`
		WorkDuration string       `yaml:"work_duration"`
	}{corners, work.String()}
	buf, err := yaml.Marshal(&data)
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, recording.FormatTemplate("input_%Y%m%d_%H%M%S.yaml", stamp)), buf, 0o644)
	}
	if err != nil {
		log.Warn().Str("component", "processing").Err(err).Msg("cannot save checkerboard debug data")
	}
}

func (a *Actor) frameError(stage string, f *camera.Frame, err error) {
	a.opts.Metrics.FrameErrors.WithLabelValues(stage).Inc()
	log.Error().Str("component", "processing").Str("stage", stage).Uint64("fno", f.Fno).Err(err).Msg("frame processing error")
}

// writerFailed closes the failed writer and clears its recording slot. The
// slot is cleared even when the writer was never created.
func (a *Actor) writerFailed(format recording.Format, err error) error {
	switch format {
	case recording.FormatFMF:
		a.closeFMF()
	case recording.FormatMKV:
		a.closeMkv()
	case recording.FormatUFMF:
		a.closeUFMF()
	}
	a.clearRecording(format)
	log.Error().Str("component", "processing").Str("format", string(format)).Err(err).Msg("recording failed")
	return fmt.Errorf("%w: %s: %v", ErrWriter, format, err)
}

func (a *Actor) clearRecording(format recording.Format) {
	if a.shared == nil {
		return
	}
	slot := func(s *store.SharedState) **store.RecordingPath {
		switch format {
		case recording.FormatFMF:
			return &s.IsRecordingFmf
		case recording.FormatMKV:
			return &s.IsRecordingMkv
		case recording.FormatUFMF:
			return &s.IsRecordingUfmf
		}
		return nil
	}
	st := a.shared.Read()
	if p := slot(&st); p == nil || *p == nil {
		return
	}
	a.shared.Modify(func(s *store.SharedState) { *slot(s) = nil })
}

func (a *Actor) closeFMF() {
	if a.fmf == nil {
		return
	}
	a.closeWriter(recording.FormatFMF, a.fmf.w)
	a.fmf = nil
	a.modify(func(s *store.SharedState) { s.IsRecordingFmf = nil })
}

func (a *Actor) closeMkv() {
	if a.mkv == nil {
		return
	}
	a.closeWriter(recording.FormatMKV, a.mkv.w)
	a.mkv = nil
	a.modify(func(s *store.SharedState) { s.IsRecordingMkv = nil })
}

func (a *Actor) closeUFMF() {
	if a.ufmf == nil {
		return
	}
	a.closeWriter(recording.FormatUFMF, a.ufmf)
	a.ufmf = nil
	a.modify(func(s *store.SharedState) { s.IsRecordingUfmf = nil })
}

func (a *Actor) closeWriter(format recording.Format, w recording.Writer) {
	if err := w.Close(); err != nil {
		log.Error().Str("component", "processing").Str("format", string(format)).Str("path", w.Path()).Err(err).Msg("error closing recording")
	} else {
		log.Info().Str("component", "processing").Str("format", string(format)).Str("path", w.Path()).Msg("stopped recording")
	}
	a.recordingGauge(format, false)
}

func (a *Actor) recordingGauge(format recording.Format, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	a.opts.Metrics.Recording.WithLabelValues(string(format)).Set(v)
}

func (a *Actor) closeAll() {
	a.closeFMF()
	a.closeMkv()
	a.closeUFMF()
	if err := a.csv.Stop(); err != nil {
		log.Error().Str("component", "processing").Err(err).Msg("error closing csv")
	}
}

func (a *Actor) modify(fn func(*store.SharedState)) {
	if a.shared != nil {
		a.shared.Modify(fn)
	}
}
