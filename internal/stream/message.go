package stream

import (
	"encoding/base64"
	"time"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
)

// FirehoseCapacity is the size of the queue between the processing thread
// and the broadcaster.
const FirehoseCapacity = 5

// Annotation is extra geometry drawn on the live view.
type Annotation struct {
	Label  string       `json:"label"`
	Points [][2]float64 `json:"points"`
}

// AnnotatedFrame is what the processing thread hands to the broadcaster.
type AnnotatedFrame struct {
	Frame        *camera.Frame
	Points       []detect.Point
	ValidDisplay detect.Shape
	Annotations  []Annotation
}

// FoundPoint is a detection as sent to viewers.
type FoundPoint struct {
	X     float64  `json:"x"`
	Y     float64  `json:"y"`
	Theta *float64 `json:"theta,omitempty"`
	Area  *float64 `json:"area,omitempty"`
}

// ToClient is one live-view message.
type ToClient struct {
	FirehoseFrameDataURL string       `json:"firehose_frame_data_url"`
	FoundPoints          []FoundPoint `json:"found_points"`
	ValidDisplay         detect.Shape `json:"valid_display"`
	Annotations          []Annotation `json:"annotations"`
	Fno                  uint64       `json:"fno"`
	TsRFC3339            string       `json:"ts_rfc3339"`
	CK                   string       `json:"ck"`
	Name                 string       `json:"name,omitempty"`
}

// NewToClient builds the message for one viewer from an encoded JPEG.
func NewToClient(af AnnotatedFrame, jpegData []byte, ck, name string) *ToClient {
	pts := make([]FoundPoint, 0, len(af.Points))
	for _, p := range af.Points {
		pts = append(pts, FoundPoint{X: p.X, Y: p.Y, Theta: p.Theta, Area: p.Area})
	}
	annotations := af.Annotations
	if annotations == nil {
		annotations = []Annotation{}
	}
	return &ToClient{
		FirehoseFrameDataURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData),
		FoundPoints:          pts,
		ValidDisplay:         af.ValidDisplay,
		Annotations:          annotations,
		Fno:                  af.Frame.Fno,
		TsRFC3339:            af.Frame.Timestamp.Format(time.RFC3339Nano),
		CK:                   ck,
		Name:                 name,
	}
}
