// Package calibration turns collected checkerboard corners into a camera
// calibration file in the ROS camera_info YAML format.
package calibration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"strandcam/internal/hook"
	"strandcam/internal/recording"
)

// Solver computes intrinsics from corner observations.
type Solver interface {
	Calibrate(ctx context.Context, req hook.CalibrationRequest) (*hook.Intrinsics, error)
}

// Matrix is a row-major matrix as written in camera_info files.
type Matrix struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Data []float64 `yaml:"data,flow"`
}

// CameraInfo is the ROS camera_info YAML document.
type CameraInfo struct {
	ImageWidth             uint32 `yaml:"image_width"`
	ImageHeight            uint32 `yaml:"image_height"`
	CameraName             string `yaml:"camera_name"`
	CameraMatrix           Matrix `yaml:"camera_matrix"`
	DistortionModel        string `yaml:"distortion_model"`
	DistortionCoefficients Matrix `yaml:"distortion_coefficients"`
	RectificationMatrix    Matrix `yaml:"rectification_matrix"`
	ProjectionMatrix       Matrix `yaml:"projection_matrix"`
}

// NewCameraInfo converts intrinsics for an unrectified monocular camera.
func NewCameraInfo(name string, width, height uint32, in *hook.Intrinsics) CameraInfo {
	k := in.CameraMatrix
	d := in.Distortion
	if len(d) == 0 {
		d = make([]float64, 5)
	}
	return CameraInfo{
		ImageWidth:             width,
		ImageHeight:            height,
		CameraName:             name,
		CameraMatrix:           Matrix{Rows: 3, Cols: 3, Data: k[:]},
		DistortionModel:        "plumb_bob",
		DistortionCoefficients: Matrix{Rows: 1, Cols: len(d), Data: d},
		RectificationMatrix:    Matrix{Rows: 3, Cols: 3, Data: []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}},
		ProjectionMatrix: Matrix{Rows: 3, Cols: 4, Data: []float64{
			k[0], k[1], k[2], 0,
			k[3], k[4], k[5], 0,
			k[6], k[7], k[8], 0,
		}},
	}
}

// RosName makes a camera name usable as a ROS name and file name.
func RosName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Request describes one calibration run.
type Request struct {
	CameraName  string
	ImageWidth  uint32
	ImageHeight uint32
	PatternW    uint32
	PatternH    uint32
	Boards      [][][2]float64
	// DebugDir, when set, receives the solver input.
	DebugDir string
}

// Calibrator runs the solver and writes the result into Dir.
type Calibrator struct {
	Solver Solver
	Dir    string
	Clock  func() time.Time
}

// Run solves and writes <name>.<stamp>.yaml, then copies it to <name>.yaml.
// It returns the path of the unstamped file.
func (c *Calibrator) Run(ctx context.Context, req Request) (string, error) {
	if len(req.Boards) == 0 {
		return "", fmt.Errorf("no checkerboards collected")
	}
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}
	local := clock().Local()
	name := RosName(req.CameraName)

	if req.DebugDir != "" {
		if err := writeDebugInput(req, name, local); err != nil {
			log.Warn().Str("component", "calibration").Err(err).Msg("cannot save calibration debug input")
		}
	}

	log.Info().Str("component", "calibration").Int("boards", len(req.Boards)).Msg("computing calibration")
	in, err := c.Solver.Calibrate(ctx, hook.CalibrationRequest{
		ImageWidth:  req.ImageWidth,
		ImageHeight: req.ImageHeight,
		PatternW:    req.PatternW,
		PatternH:    req.PatternH,
		Boards:      req.Boards,
	})
	if err != nil {
		return "", fmt.Errorf("calibration solver: %w", err)
	}

	buf, err := yaml.Marshal(NewCameraInfo(name, req.ImageWidth, req.ImageHeight, in))
	if err != nil {
		return "", fmt.Errorf("encode camera info: %w", err)
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create camera_info dir: %w", err)
	}
	stamped := filepath.Join(c.Dir, recording.FormatTemplate(name+".%Y%m%d_%H%M%S.yaml", local))
	if err := os.WriteFile(stamped, buf, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", stamped, err)
	}
	current := filepath.Join(c.Dir, name+".yaml")
	if err := os.WriteFile(current, buf, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", current, err)
	}
	log.Info().Str("component", "calibration").Str("path", current).Str("stamped", stamped).Msg("saved calibration")
	return current, nil
}

func writeDebugInput(req Request, name string, local time.Time) error {
	data := struct {
		Corners     [][][2]float64 `yaml:"corners"`
		ImageWidth  uint32         `yaml:"image_width"`
		ImageHeight uint32         `yaml:"image_height"`
	}{req.Boards, req.ImageWidth, req.ImageHeight}
	buf, err := yaml.Marshal(&data)
	if err != nil {
		return err
	}
	path := filepath.Join(req.DebugDir, recording.FormatTemplate("checkerboard_input_"+name+".%Y%m%d_%H%M%S.yaml", local))
	return os.WriteFile(path, buf, 0o644)
}
