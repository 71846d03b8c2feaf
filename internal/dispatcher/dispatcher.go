// Package dispatcher applies control commands to the camera, the shared
// store and the processing actor.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"strandcam/internal/calibration"
	"strandcam/internal/camera"
	"strandcam/internal/detect"
	"strandcam/internal/lifecycle"
	"strandcam/internal/metrics"
	"strandcam/internal/processing"
	"strandcam/internal/recording"
	"strandcam/internal/store"
)

// QueueSize is the capacity of the command channel.
const QueueSize = 32

var (
	// ErrNoDevice is returned for device commands when no auxiliary
	// device is attached.
	ErrNoDevice = errors.New("no auxiliary device configured")
	// ErrActorGone is returned when the processing actor has stopped.
	ErrActorGone = errors.New("processing actor stopped")
)

// Device is the auxiliary device link.
type Device interface {
	SetState(store.DeviceState)
	Reset()
}

// Coordinator runs the ordered shutdown.
type Coordinator interface {
	lifecycle.Quitter
	Shutdown(ctx context.Context) (lifecycle.Report, error)
}

// Options wires a Dispatcher.
type Options struct {
	Camera      camera.Device
	Shared      *store.Shared
	Actor       chan<- processing.Msg
	// ActorDone is closed when the actor stops. Sends give up after that.
	ActorDone   <-chan struct{}
	Errors      *processing.ErrorState
	Corners     *processing.Corners
	Calibrator  *calibration.Calibrator
	Device      Device
	Coordinator Coordinator
	Metrics     *metrics.Collector
	Clock       func() time.Time
	// TempDir is where checkerboard debug directories are created.
	TempDir string
}

// Dispatcher is the only writer of camera settings.
type Dispatcher struct {
	opts Options
}

func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Corners == nil {
		opts.Corners = processing.NewCorners()
	}
	return &Dispatcher{opts: opts}
}

// Run handles commands until DoQuit, a closed channel or ctx cancellation.
// DoQuit runs the full shutdown before Run returns.
func (d *Dispatcher) Run(ctx context.Context, cmds <-chan ControlCommand) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			if _, quit := cmd.(DoQuit); quit {
				d.count(cmd)
				return d.quit(ctx)
			}
			if err := d.Handle(ctx, cmd); err != nil {
				log.Error().Str("component", "dispatcher").Str("command", Name(cmd)).Err(err).Msg("command failed")
			}
		}
	}
}

func (d *Dispatcher) count(cmd ControlCommand) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.Commands.WithLabelValues(Name(cmd)).Inc()
	}
}

func (d *Dispatcher) failed(cmd ControlCommand) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.CommandFailures.WithLabelValues(Name(cmd)).Inc()
	}
}

// Handle applies one command. A returned error leaves the store untouched.
// DoQuit is not handled here; use Run.
func (d *Dispatcher) Handle(ctx context.Context, cmd ControlCommand) error {
	d.count(cmd)
	err := d.handle(ctx, cmd)
	if err != nil {
		d.failed(cmd)
	}
	return err
}

func (d *Dispatcher) handle(ctx context.Context, cmd ControlCommand) error {
	cam := d.opts.Camera
	switch c := cmd.(type) {
	case SetExposureTime:
		if err := cam.SetExposureTime(c.Value); err != nil {
			return fmt.Errorf("set exposure time: %w", err)
		}
		d.modify(func(s *store.SharedState) { s.ExposureTime.Current = c.Value })
	case SetExposureAuto:
		if err := cam.SetExposureAuto(c.Value); err != nil {
			return fmt.Errorf("set exposure auto: %w", err)
		}
		d.modify(func(s *store.SharedState) { s.ExposureAuto = c.Value })
		d.refreshExposure()
	case SetGain:
		if err := cam.SetGain(c.Value); err != nil {
			return fmt.Errorf("set gain: %w", err)
		}
		d.modify(func(s *store.SharedState) { s.Gain.Current = c.Value })
	case SetGainAuto:
		if err := cam.SetGainAuto(c.Value); err != nil {
			return fmt.Errorf("set gain auto: %w", err)
		}
		d.modify(func(s *store.SharedState) { s.GainAuto = c.Value })
		d.refreshGain()
	case SetTriggerMode:
		if err := cam.SetTriggerMode(c.Value); err != nil {
			return fmt.Errorf("set trigger mode: %w", err)
		}
		d.modify(func(s *store.SharedState) { s.TriggerMode = c.Value })
	case SetTriggerSelector:
		if err := cam.SetTriggerSelector(c.Value); err != nil {
			return fmt.Errorf("set trigger selector: %w", err)
		}
		d.modify(func(s *store.SharedState) { s.TriggerSelector = c.Value })
	case SetFrameRateLimitEnabled:
		if err := cam.SetFrameRateLimitEnabled(c.Value); err != nil {
			return fmt.Errorf("set frame rate limit enabled: %w", err)
		}
		d.modify(func(s *store.SharedState) { s.FrameRateLimitEnabled = c.Value })
	case SetFrameRateLimit:
		if err := cam.SetFrameRateLimit(c.Value); err != nil {
			return fmt.Errorf("set frame rate limit: %w", err)
		}
		d.modify(func(s *store.SharedState) {
			if s.FrameRateLimit != nil {
				r := *s.FrameRateLimit
				r.Current = c.Value
				s.FrameRateLimit = &r
			}
		})

	case SetRecordingFps:
		d.modify(func(s *store.SharedState) { s.RecordingFramerate = c.Value })
	case SetMkvRecordingConfig:
		d.modify(func(s *store.SharedState) { s.MkvRecordingConfig = c.Value })
	case SetMkvRecordingFps:
		d.modify(func(s *store.SharedState) { s.MkvRecordingConfig.MaxFramerate = c.Value })
	case SetFormatStr:
		d.modify(func(s *store.SharedState) { s.FormatStr = c.Value })
	case SetFormatStrMkv:
		d.modify(func(s *store.SharedState) { s.FormatStrMkv = c.Value })
	case SetFormatStrUfmf:
		d.modify(func(s *store.SharedState) { s.FormatStrUfmf = c.Value })

	case SetIsRecordingFmf:
		return d.toggleFmf(ctx, c.Value)
	case SetIsRecordingMkv:
		return d.toggleMkv(ctx, c.Value)
	case SetIsRecordingUfmf:
		return d.toggleUfmf(ctx, c.Value)
	case PostTrigger:
		return d.postTrigger(ctx, c.Value)
	case SetPostTriggerBufferSize:
		if c.Value < 0 {
			return fmt.Errorf("buffer size %d is negative", c.Value)
		}
		if err := d.send(ctx, processing.SetPostTriggerBufferSize{Size: c.Value}); err != nil {
			return err
		}
		d.modify(func(s *store.SharedState) { s.PostTriggerBufferSize = c.Value })

	case SetIsDoingObjDetection:
		d.modify(func(s *store.SharedState) { s.IsDoingObjectDetection = c.Value })
		return d.send(ctx, processing.SetTracking{Enabled: c.Value})
	case SetIsSavingObjDetectionCsv:
		return d.send(ctx, processing.SetIsSavingObjDetectionCsv{Config: c.Value})
	case SetObjDetectionConfig:
		cfg, err := detect.ParseConfig(c.Value)
		if err != nil {
			log.Warn().Str("component", "dispatcher").Err(err).Msg("ignoring object detection config with parse error")
			return nil
		}
		d.modify(func(s *store.SharedState) { s.ObjDetectionConfig = cfg })
		return d.send(ctx, processing.SetObjDetectionConfig{Config: cfg})

	case ToggleImOpsDetection:
		d.modify(func(s *store.SharedState) { s.ImOps.DoDetection = c.Value })
	case SetImOpsConfig:
		d.modify(func(s *store.SharedState) { s.ImOps = c.Value })

	case ToggleCheckerboardDetection:
		d.modify(func(s *store.SharedState) { s.Checkerboard.Enabled = c.Value })
	case ToggleCheckerboardDebug:
		return d.toggleCheckerboardDebug(c.Value)
	case SetCheckerboardWidth:
		d.modify(func(s *store.SharedState) { s.Checkerboard.Width = c.Value })
	case SetCheckerboardHeight:
		d.modify(func(s *store.SharedState) { s.Checkerboard.Height = c.Value })
	case ClearCheckerboards:
		d.opts.Corners.Clear()
		d.modify(func(s *store.SharedState) { s.Checkerboard.NumCheckerboardsCollected = 0 })
	case PerformCheckerboardCalibration:
		return d.calibrate(ctx)

	case SetIgnoreFutureFrameProcessingErrors:
		if d.opts.Errors != nil {
			d.opts.Errors.SetIgnoreFuture(c.Value, d.opts.Clock())
		}
		d.modify(func(s *store.SharedState) { s.HadFrameProcessingError = false })

	case DeviceReset:
		if d.opts.Device != nil {
			d.opts.Device.Reset()
		}
		if d.opts.Metrics != nil {
			d.opts.Metrics.DeviceLost.Set(0)
		}
		d.modify(func(s *store.SharedState) { s.DeviceLost = false })
	case SetDeviceChannel:
		return d.setDeviceChannel(c.Value)

	case DoQuit:
		return fmt.Errorf("quit must go through Run")
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
	return nil
}

func (d *Dispatcher) modify(fn func(*store.SharedState)) {
	d.opts.Shared.Modify(fn)
}

// refreshExposure re-reads the exposure after an auto mode change.
func (d *Dispatcher) refreshExposure() {
	v, err := d.opts.Camera.ExposureTime()
	if err != nil {
		log.Debug().Str("component", "dispatcher").Err(err).Msg("cannot read exposure time")
		return
	}
	d.modify(func(s *store.SharedState) { s.ExposureTime.Current = v })
}

func (d *Dispatcher) refreshGain() {
	v, err := d.opts.Camera.Gain()
	if err != nil {
		log.Debug().Str("component", "dispatcher").Err(err).Msg("cannot read gain")
		return
	}
	d.modify(func(s *store.SharedState) { s.Gain.Current = v })
}

// send delivers msg to the actor, blocking while its queue is full.
func (d *Dispatcher) send(ctx context.Context, msg processing.Msg) error {
	select {
	case d.opts.Actor <- msg:
		return nil
	case <-d.opts.ActorDone:
		return ErrActorGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) newPath(tmpl string) *store.RecordingPath {
	now := d.opts.Clock()
	rp := store.NewRecordingPath(uuid.NewString(), recording.FormatTemplate(tmpl, now.Local()))
	rp.StartedAt = now
	return rp
}

func (d *Dispatcher) toggleFmf(ctx context.Context, want bool) error {
	st := d.opts.Shared.Read()
	if (st.IsRecordingFmf != nil) == want {
		return nil
	}
	if !want {
		if err := d.send(ctx, processing.StopFMF{}); err != nil {
			return err
		}
		d.modify(func(s *store.SharedState) { s.IsRecordingFmf = nil })
		return nil
	}
	rp := d.newPath(st.FormatStr)
	if err := d.send(ctx, processing.StartFMF{Path: rp.Path, Rate: st.RecordingFramerate}); err != nil {
		return err
	}
	d.modify(func(s *store.SharedState) { s.IsRecordingFmf = rp })
	return nil
}

func (d *Dispatcher) toggleMkv(ctx context.Context, want bool) error {
	st := d.opts.Shared.Read()
	if (st.IsRecordingMkv != nil) == want {
		return nil
	}
	if !want {
		if err := d.send(ctx, processing.StopMkv{}); err != nil {
			return err
		}
		d.modify(func(s *store.SharedState) { s.IsRecordingMkv = nil })
		return nil
	}
	if st.FormatStrMkv == recording.Stdout {
		return fmt.Errorf("mkv: %w", recording.ErrStdoutNotSupported)
	}
	rp := d.newPath(st.FormatStrMkv)
	if err := d.send(ctx, processing.StartMkv{Path: rp.Path, Config: st.MkvRecordingConfig}); err != nil {
		return err
	}
	d.modify(func(s *store.SharedState) { s.IsRecordingMkv = rp })
	return nil
}

func (d *Dispatcher) toggleUfmf(ctx context.Context, want bool) error {
	st := d.opts.Shared.Read()
	if (st.IsRecordingUfmf != nil) == want {
		return nil
	}
	if !want {
		if err := d.send(ctx, processing.StopUFMF{}); err != nil {
			return err
		}
		d.modify(func(s *store.SharedState) { s.IsRecordingUfmf = nil })
		return nil
	}
	if !st.IsDoingObjectDetection {
		return fmt.Errorf("ufmf recording requires object detection")
	}
	if st.FormatStrUfmf == recording.Stdout {
		return fmt.Errorf("ufmf: %w", recording.ErrStdoutNotSupported)
	}
	rp := d.newPath(st.FormatStrUfmf)
	if err := d.send(ctx, processing.StartUFMF{Path: rp.Path}); err != nil {
		return err
	}
	d.modify(func(s *store.SharedState) { s.IsRecordingUfmf = rp })
	return nil
}

func (d *Dispatcher) postTrigger(ctx context.Context, cfg recording.MkvConfig) error {
	st := d.opts.Shared.Read()
	if st.IsRecordingMkv != nil {
		return fmt.Errorf("mkv recording already in progress")
	}
	if st.FormatStrMkv == recording.Stdout {
		return fmt.Errorf("mkv: %w", recording.ErrStdoutNotSupported)
	}
	rp := d.newPath(st.FormatStrMkv)
	if err := d.send(ctx, processing.PostTriggerStartMkv{Path: rp.Path, Config: cfg}); err != nil {
		return err
	}
	d.modify(func(s *store.SharedState) { s.IsRecordingMkv = rp })
	return nil
}

func (d *Dispatcher) toggleCheckerboardDebug(enable bool) error {
	st := d.opts.Shared.Read()
	if !enable {
		d.modify(func(s *store.SharedState) { s.CheckerboardSaveDebug = "" })
		return nil
	}
	if st.CheckerboardSaveDebug != "" {
		return nil
	}
	name := recording.FormatTemplate("checkerboard_debug_%Y%m%d_%H%M%S", d.opts.Clock().Local())
	dir := filepath.Join(d.opts.TempDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkerboard debug dir: %w", err)
	}
	log.Info().Str("component", "dispatcher").Str("dir", dir).Msg("saving checkerboard debug data")
	d.modify(func(s *store.SharedState) { s.CheckerboardSaveDebug = dir })
	return nil
}

func (d *Dispatcher) calibrate(ctx context.Context) error {
	if d.opts.Calibrator == nil {
		return fmt.Errorf("calibration solver not configured")
	}
	st := d.opts.Shared.Read()
	path, err := d.opts.Calibrator.Run(ctx, calibration.Request{
		CameraName:  st.CameraName,
		ImageWidth:  uint32(st.ImageWidth),
		ImageHeight: uint32(st.ImageHeight),
		PatternW:    st.Checkerboard.Width,
		PatternH:    st.Checkerboard.Height,
		Boards:      d.opts.Corners.Snapshot(),
		DebugDir:    st.CheckerboardSaveDebug,
	})
	if err != nil {
		return err
	}
	log.Info().Str("component", "dispatcher").Str("path", path).Msg("calibration complete")
	return nil
}

func (d *Dispatcher) setDeviceChannel(ch DeviceChannel) error {
	if d.opts.Device == nil {
		return ErrNoDevice
	}
	st := d.opts.Shared.Read()
	next := store.DefaultDeviceState()
	if st.DeviceState != nil {
		next = *st.DeviceState
	}
	target := next.Channel(ch.Channel)
	if target == nil {
		return fmt.Errorf("no device channel %d", ch.Channel)
	}
	target.OnState = ch.OnState
	target.Intensity = ch.Intensity
	d.opts.Device.SetState(next)
	return nil
}

// quit stops the recorders, tells the actor to finish and runs the
// coordinator's shutdown.
func (d *Dispatcher) quit(ctx context.Context) error {
	log.Info().Str("component", "dispatcher").Msg("quitting")
	st := d.opts.Shared.Read()

	var stops []processing.Msg
	if st.IsRecordingFmf != nil {
		stops = append(stops, processing.StopFMF{})
	}
	if st.IsRecordingMkv != nil {
		stops = append(stops, processing.StopMkv{})
	}
	if st.IsRecordingUfmf != nil {
		stops = append(stops, processing.StopUFMF{})
	}
	if st.IsSavingObjDetectionCsv != nil {
		stops = append(stops, processing.SetIsSavingObjDetectionCsv{})
	}
	stops = append(stops, processing.Quit{})
	for _, msg := range stops {
		if err := d.send(ctx, msg); err != nil {
			log.Warn().Str("component", "dispatcher").Err(err).Msg("actor did not accept shutdown message")
			break
		}
	}
	d.modify(func(s *store.SharedState) {
		s.IsRecordingFmf = nil
		s.IsRecordingMkv = nil
		s.IsRecordingUfmf = nil
	})

	if d.opts.Coordinator == nil {
		return nil
	}
	d.opts.Coordinator.Quit(lifecycle.Shutdown{Cause: lifecycle.CauseUserQuit, Thread: "dispatcher"})
	rep, err := d.opts.Coordinator.Shutdown(ctx)
	log.Info().Str("component", "dispatcher").Strs("steps", rep.Steps).Strs("joined", rep.Joined).Msg("shutdown complete")
	return err
}
