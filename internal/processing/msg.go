package processing

import (
	"strandcam/internal/camera"
	"strandcam/internal/detect"
	"strandcam/internal/recording"
	"strandcam/internal/store"
)

// QueueSize is the capacity of the channel feeding the actor.
const QueueSize = 20

// Msg is a message for the processing actor.
type Msg interface {
	isMsg()
}

// StoreHandoff gives the actor the shared store once it exists.
type StoreHandoff struct{ Shared *store.Shared }

// StartFMF opens an FMF recording at Path, saving at most Rate frames per
// second.
type StartFMF struct {
	Path string
	Rate recording.FrameRate
}

// StopFMF closes the FMF recording.
type StopFMF struct{}

// StartMkv opens an MKV recording at Path.
type StartMkv struct {
	Path   string
	Config recording.MkvConfig
}

// StopMkv closes the MKV recording.
type StopMkv struct{}

// StartUFMF opens a UFMF recording at Path.
type StartUFMF struct{ Path string }

// StopUFMF closes the UFMF recording.
type StopUFMF struct{}

// PostTriggerStartMkv starts an MKV recording that begins with the frames
// held in the post-trigger buffer.
type PostTriggerStartMkv struct {
	Path   string
	Config recording.MkvConfig
}

// SetPostTriggerBufferSize resizes the post-trigger buffer, dropping the
// oldest frames when it shrinks.
type SetPostTriggerBufferSize struct{ Size int }

// FrameMsg carries one captured frame.
type FrameMsg struct{ Frame *camera.Frame }

// SetTracking turns object detection on or off.
type SetTracking struct{ Enabled bool }

// SetIsSavingObjDetectionCsv starts or stops the detection CSV.
type SetIsSavingObjDetectionCsv struct{ Config store.CsvSaveConfig }

// SetObjDetectionConfig replaces the detector settings.
type SetObjDetectionConfig struct{ Config detect.Config }

// Quit stops the actor after closing every open writer.
type Quit struct{}

func (StoreHandoff) isMsg()               {}
func (StartFMF) isMsg()                   {}
func (StopFMF) isMsg()                    {}
func (StartMkv) isMsg()                   {}
func (StopMkv) isMsg()                    {}
func (StartUFMF) isMsg()                  {}
func (StopUFMF) isMsg()                   {}
func (PostTriggerStartMkv) isMsg()        {}
func (SetPostTriggerBufferSize) isMsg()   {}
func (FrameMsg) isMsg()                   {}
func (SetTracking) isMsg()                {}
func (SetIsSavingObjDetectionCsv) isMsg() {}
func (SetObjDetectionConfig) isMsg()      {}
func (Quit) isMsg()                       {}
