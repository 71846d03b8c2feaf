package store

import (
	"time"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
	"strandcam/internal/recording"
)

// RecordingPath is set while an output of some format is being written.
type RecordingPath struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
}

// NewRecordingPath stamps a recording that starts now.
func NewRecordingPath(id, path string) *RecordingPath {
	return &RecordingPath{ID: id, Path: path, StartedAt: time.Now()}
}

// Ranged is a numeric camera property with its device-validated bounds.
type Ranged struct {
	Current float64      `json:"current"`
	Range   camera.Range `json:"range"`
}

// CsvSaveConfig asks the processing thread to save detections. RateLimit
// nil means every frame with a detection is saved.
type CsvSaveConfig struct {
	Saving    bool     `json:"saving"`
	RateLimit *float64 `json:"rate_limit,omitempty"`
}

// ImOpsState configures the moment-centroid UDP sender.
type ImOpsState struct {
	DoDetection bool   `json:"do_detection" yaml:"do_detection"`
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	CenterX     uint32 `json:"center_x" yaml:"center_x"`
	CenterY     uint32 `json:"center_y" yaml:"center_y"`
	Threshold   uint8  `json:"threshold" yaml:"threshold"`
}

// CheckerboardData is the calibration corner-collection state.
type CheckerboardData struct {
	Enabled                   bool   `json:"enabled"`
	Width                     uint32 `json:"width"`
	Height                    uint32 `json:"height"`
	NumCheckerboardsCollected uint32 `json:"num_checkerboards_collected"`
}

// OnState is the output state of a device channel.
type OnState string

const (
	ChannelOff        OnState = "Off"
	ChannelConstantOn OnState = "ConstantOn"
	ChannelPulsed     OnState = "PulseTrain"
)

// ChannelState is one output channel of the auxiliary device.
type ChannelState struct {
	Num       uint8   `json:"num" msgpack:"num"`
	OnState   OnState `json:"on_state" msgpack:"on_state"`
	Intensity uint16  `json:"intensity" msgpack:"intensity"`
}

// DeviceState is the full output state of the auxiliary device.
type DeviceState struct {
	Ch1 ChannelState `json:"ch1" msgpack:"ch1"`
	Ch2 ChannelState `json:"ch2" msgpack:"ch2"`
	Ch3 ChannelState `json:"ch3" msgpack:"ch3"`
	Ch4 ChannelState `json:"ch4" msgpack:"ch4"`
}

// DefaultDeviceState has every channel off.
func DefaultDeviceState() DeviceState {
	return DeviceState{
		Ch1: ChannelState{Num: 1, OnState: ChannelOff},
		Ch2: ChannelState{Num: 2, OnState: ChannelOff},
		Ch3: ChannelState{Num: 3, OnState: ChannelOff},
		Ch4: ChannelState{Num: 4, OnState: ChannelOff},
	}
}

// Channel returns a pointer to channel n (1-4), or nil.
func (d *DeviceState) Channel(n int) *ChannelState {
	switch n {
	case 1:
		return &d.Ch1
	case 2:
		return &d.Ch2
	case 3:
		return &d.Ch3
	case 4:
		return &d.Ch4
	}
	return nil
}

// Intensity returns the effective intensity of channel n, zero when off.
func (d DeviceState) Intensity(n int) uint16 {
	ch := d.Channel(n)
	if ch == nil || ch.OnState == ChannelOff {
		return 0
	}
	return ch.Intensity
}

// SharedState is everything the control plane can observe.
type SharedState struct {
	CameraName  string `json:"camera_name"`
	ImageWidth  int    `json:"image_width"`
	ImageHeight int    `json:"image_height"`

	ExposureTime    Ranged                 `json:"exposure_time"`
	ExposureAuto    camera.AutoMode        `json:"exposure_auto"`
	Gain            Ranged                 `json:"gain"`
	GainAuto        camera.AutoMode        `json:"gain_auto"`
	TriggerMode     camera.TriggerMode     `json:"trigger_mode"`
	TriggerSelector camera.TriggerSelector `json:"trigger_selector"`

	FrameRateLimitSupported bool    `json:"frame_rate_limit_supported"`
	FrameRateLimitEnabled   bool    `json:"frame_rate_limit_enabled"`
	FrameRateLimit          *Ranged `json:"frame_rate_limit,omitempty"`
	MeasuredFPS             float64 `json:"measured_fps"`

	IsRecordingFmf          *RecordingPath `json:"is_recording_fmf"`
	IsRecordingMkv          *RecordingPath `json:"is_recording_mkv"`
	IsRecordingUfmf         *RecordingPath `json:"is_recording_ufmf"`
	IsSavingObjDetectionCsv *RecordingPath `json:"is_saving_obj_detection_csv"`

	FormatStr          string              `json:"format_str"`
	FormatStrMkv       string              `json:"format_str_mkv"`
	FormatStrUfmf      string              `json:"format_str_ufmf"`
	RecordingFramerate recording.FrameRate `json:"recording_framerate"`
	MkvRecordingConfig recording.MkvConfig `json:"mkv_recording_config"`

	PostTriggerBufferSize int `json:"post_trigger_buffer_size"`

	IsDoingObjectDetection bool          `json:"is_doing_object_detection"`
	ObjDetectionConfig     detect.Config `json:"obj_detection_config"`
	ImOps                  ImOpsState    `json:"im_ops_state"`

	Checkerboard          CheckerboardData `json:"checkerboard_data"`
	CheckerboardSaveDebug string           `json:"checkerboard_save_debug,omitempty"`

	HadFrameProcessingError bool `json:"had_frame_processing_error"`

	DeviceState *DeviceState `json:"device_state,omitempty"`
	DeviceLost  bool         `json:"device_lost"`

	LatestVersion string `json:"latest_version,omitempty"`
}

// NewSharedState seeds the state from the opened camera.
func NewSharedState(info camera.Info) SharedState {
	s := SharedState{
		CameraName:              info.Name,
		ImageWidth:              info.Width,
		ImageHeight:             info.Height,
		ExposureTime:            Ranged{Range: info.ExposureRange},
		ExposureAuto:            camera.AutoOff,
		Gain:                    Ranged{Range: info.GainRange},
		GainAuto:                camera.AutoOff,
		TriggerMode:             camera.TriggerOff,
		TriggerSelector:         camera.SelectorFrameStart,
		FrameRateLimitSupported: info.FrameRateLimitSup,
		FormatStr:               recording.DefaultFmfTemplate,
		FormatStrMkv:            recording.DefaultMkvTemplate,
		FormatStrUfmf:           recording.DefaultUfmfTemplate,
		MkvRecordingConfig:      recording.DefaultMkvConfig(),
		ObjDetectionConfig:      detect.DefaultConfig(),
		Checkerboard:            CheckerboardData{Width: 8, Height: 6},
	}
	if info.FrameRateLimitSup {
		s.FrameRateLimit = &Ranged{Current: info.FrameRateRange.Max, Range: info.FrameRateRange}
	}
	return s
}

// Shared is the store type used throughout the application.
type Shared = Store[SharedState]
