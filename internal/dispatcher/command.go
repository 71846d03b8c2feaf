package dispatcher

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"strandcam/internal/camera"
	"strandcam/internal/recording"
	"strandcam/internal/store"
)

// ControlCommand is one request from the control plane. On the wire a
// command is {"command": "<Name>", "value": <payload>}.
type ControlCommand interface {
	isCommand()
}

type SetExposureTime struct {
	Value float64 `json:"value"`
}

type SetExposureAuto struct {
	Value camera.AutoMode `json:"value"`
}

type SetGain struct {
	Value float64 `json:"value"`
}

type SetGainAuto struct {
	Value camera.AutoMode `json:"value"`
}

type SetTriggerMode struct {
	Value camera.TriggerMode `json:"value"`
}

type SetTriggerSelector struct {
	Value camera.TriggerSelector `json:"value"`
}

type SetFrameRateLimitEnabled struct {
	Value bool `json:"value"`
}

type SetFrameRateLimit struct {
	Value float64 `json:"value"`
}

type SetRecordingFps struct {
	Value recording.FrameRate `json:"value"`
}

type SetMkvRecordingConfig struct {
	Value recording.MkvConfig `json:"value"`
}

type SetMkvRecordingFps struct {
	Value recording.FrameRate `json:"value"`
}

type SetFormatStr struct {
	Value string `json:"value"`
}

type SetFormatStrMkv struct {
	Value string `json:"value"`
}

type SetFormatStrUfmf struct {
	Value string `json:"value"`
}

type SetIsRecordingFmf struct {
	Value bool `json:"value"`
}

type SetIsRecordingMkv struct {
	Value bool `json:"value"`
}

type SetIsRecordingUfmf struct {
	Value bool `json:"value"`
}

// PostTrigger starts an MKV recording beginning with the buffered frames.
type PostTrigger struct {
	Value recording.MkvConfig `json:"value"`
}

type SetPostTriggerBufferSize struct {
	Value int `json:"value"`
}

type SetIsDoingObjDetection struct {
	Value bool `json:"value"`
}

type SetIsSavingObjDetectionCsv struct {
	Value store.CsvSaveConfig `json:"value"`
}

// SetObjDetectionConfig carries a YAML document.
type SetObjDetectionConfig struct {
	Value string `json:"value"`
}

type ToggleImOpsDetection struct {
	Value bool `json:"value"`
}

type SetImOpsConfig struct {
	Value store.ImOpsState `json:"value"`
}

type ToggleCheckerboardDetection struct {
	Value bool `json:"value"`
}

type ToggleCheckerboardDebug struct {
	Value bool `json:"value"`
}

type SetCheckerboardWidth struct {
	Value uint32 `json:"value"`
}

type SetCheckerboardHeight struct {
	Value uint32 `json:"value"`
}

type ClearCheckerboards struct{}

type PerformCheckerboardCalibration struct{}

// SetIgnoreFutureFrameProcessingErrors: nil ignores all, <= 0 notifies on
// all, > 0 ignores for that many seconds.
type SetIgnoreFutureFrameProcessingErrors struct {
	Value *float64 `json:"value"`
}

// DeviceReset clears the device-lost flag.
type DeviceReset struct{}

type DeviceChannel struct {
	Channel   int           `json:"channel"`
	OnState   store.OnState `json:"on_state"`
	Intensity uint16        `json:"intensity"`
}

type SetDeviceChannel struct {
	Value DeviceChannel `json:"value"`
}

type DoQuit struct{}

func (SetExposureTime) isCommand()                      {}
func (SetExposureAuto) isCommand()                      {}
func (SetGain) isCommand()                              {}
func (SetGainAuto) isCommand()                          {}
func (SetTriggerMode) isCommand()                       {}
func (SetTriggerSelector) isCommand()                   {}
func (SetFrameRateLimitEnabled) isCommand()             {}
func (SetFrameRateLimit) isCommand()                    {}
func (SetRecordingFps) isCommand()                      {}
func (SetMkvRecordingConfig) isCommand()                {}
func (SetMkvRecordingFps) isCommand()                   {}
func (SetFormatStr) isCommand()                         {}
func (SetFormatStrMkv) isCommand()                      {}
func (SetFormatStrUfmf) isCommand()                     {}
func (SetIsRecordingFmf) isCommand()                    {}
func (SetIsRecordingMkv) isCommand()                    {}
func (SetIsRecordingUfmf) isCommand()                   {}
func (PostTrigger) isCommand()                          {}
func (SetPostTriggerBufferSize) isCommand()             {}
func (SetIsDoingObjDetection) isCommand()               {}
func (SetIsSavingObjDetectionCsv) isCommand()           {}
func (SetObjDetectionConfig) isCommand()                {}
func (ToggleImOpsDetection) isCommand()                 {}
func (SetImOpsConfig) isCommand()                       {}
func (ToggleCheckerboardDetection) isCommand()          {}
func (ToggleCheckerboardDebug) isCommand()              {}
func (SetCheckerboardWidth) isCommand()                 {}
func (SetCheckerboardHeight) isCommand()                {}
func (ClearCheckerboards) isCommand()                   {}
func (PerformCheckerboardCalibration) isCommand()       {}
func (SetIgnoreFutureFrameProcessingErrors) isCommand() {}
func (DeviceReset) isCommand()                          {}
func (SetDeviceChannel) isCommand()                     {}
func (DoQuit) isCommand()                               {}

func decodeAs[T ControlCommand](data []byte) (ControlCommand, error) {
	var c T
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return c, nil
}

var registry = map[string]func([]byte) (ControlCommand, error){
	"SetExposureTime":                      decodeAs[SetExposureTime],
	"SetExposureAuto":                      decodeAs[SetExposureAuto],
	"SetGain":                              decodeAs[SetGain],
	"SetGainAuto":                          decodeAs[SetGainAuto],
	"SetTriggerMode":                       decodeAs[SetTriggerMode],
	"SetTriggerSelector":                   decodeAs[SetTriggerSelector],
	"SetFrameRateLimitEnabled":             decodeAs[SetFrameRateLimitEnabled],
	"SetFrameRateLimit":                    decodeAs[SetFrameRateLimit],
	"SetRecordingFps":                      decodeAs[SetRecordingFps],
	"SetMkvRecordingConfig":                decodeAs[SetMkvRecordingConfig],
	"SetMkvRecordingFps":                   decodeAs[SetMkvRecordingFps],
	"SetFormatStr":                         decodeAs[SetFormatStr],
	"SetFormatStrMkv":                      decodeAs[SetFormatStrMkv],
	"SetFormatStrUfmf":                     decodeAs[SetFormatStrUfmf],
	"SetIsRecordingFmf":                    decodeAs[SetIsRecordingFmf],
	"SetIsRecordingMkv":                    decodeAs[SetIsRecordingMkv],
	"SetIsRecordingUfmf":                   decodeAs[SetIsRecordingUfmf],
	"PostTrigger":                          decodeAs[PostTrigger],
	"SetPostTriggerBufferSize":             decodeAs[SetPostTriggerBufferSize],
	"SetIsDoingObjDetection":               decodeAs[SetIsDoingObjDetection],
	"SetIsSavingObjDetectionCsv":           decodeAs[SetIsSavingObjDetectionCsv],
	"SetObjDetectionConfig":                decodeAs[SetObjDetectionConfig],
	"ToggleImOpsDetection":                 decodeAs[ToggleImOpsDetection],
	"SetImOpsConfig":                       decodeAs[SetImOpsConfig],
	"ToggleCheckerboardDetection":          decodeAs[ToggleCheckerboardDetection],
	"ToggleCheckerboardDebug":              decodeAs[ToggleCheckerboardDebug],
	"SetCheckerboardWidth":                 decodeAs[SetCheckerboardWidth],
	"SetCheckerboardHeight":                decodeAs[SetCheckerboardHeight],
	"ClearCheckerboards":                   decodeAs[ClearCheckerboards],
	"PerformCheckerboardCalibration":       decodeAs[PerformCheckerboardCalibration],
	"SetIgnoreFutureFrameProcessingErrors": decodeAs[SetIgnoreFutureFrameProcessingErrors],
	"DeviceReset":                          decodeAs[DeviceReset],
	"SetDeviceChannel":                     decodeAs[SetDeviceChannel],
	"DoQuit":                               decodeAs[DoQuit],
}

type envelope struct {
	Command string          `json:"command"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Decode parses a wire command.
func Decode(data []byte) (ControlCommand, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	decode, ok := registry[env.Command]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", env.Command)
	}
	cmd, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %w", env.Command, err)
	}
	return cmd, nil
}

// Encode renders cmd in wire form.
func Encode(cmd ControlCommand) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Command: Name(cmd), Value: fields["value"]})
}

// Name returns the wire name of cmd.
func Name(cmd ControlCommand) string {
	return reflect.TypeOf(cmd).Name()
}

// Names lists every command the dispatcher understands.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
