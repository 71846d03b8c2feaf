package calibration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"strandcam/internal/hook"
)

type fakeSolver struct {
	req hook.CalibrationRequest
	err error
}

func (f *fakeSolver) Calibrate(_ context.Context, req hook.CalibrationRequest) (*hook.Intrinsics, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &hook.Intrinsics{
		CameraMatrix: [9]float64{500, 0, 320, 0, 500, 240, 0, 0, 1},
		Distortion:   []float64{0.1, -0.2, 0, 0, 0},
	}, nil
}

func TestRunWritesStampedAndCurrent(t *testing.T) {
	dir := t.TempDir()
	debug := t.TempDir()
	solver := &fakeSolver{}
	c := &Calibrator{Solver: solver, Dir: dir, Clock: func() time.Time {
		return time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	}}

	path, err := c.Run(context.Background(), Request{
		CameraName: "Basler-1234", ImageWidth: 640, ImageHeight: 480,
		PatternW: 8, PatternH: 6, Boards: [][][2]float64{{{1, 2}}}, DebugDir: debug,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Basler_1234.yaml"), path)
	assert.FileExists(t, filepath.Join(dir, "Basler_1234.20240102_030405.yaml"))
	assert.FileExists(t, filepath.Join(debug, "checkerboard_input_Basler_1234.20240102_030405.yaml"))
	assert.Equal(t, uint32(8), solver.req.PatternW)

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	var info CameraInfo
	require.NoError(t, yaml.Unmarshal(buf, &info))
	assert.Equal(t, "plumb_bob", info.DistortionModel)
	assert.Equal(t, 12, len(info.ProjectionMatrix.Data))
	assert.Equal(t, 320.0, info.ProjectionMatrix.Data[2])
	assert.Equal(t, uint32(480), info.ImageHeight)
}

func TestRunWithoutBoards(t *testing.T) {
	c := &Calibrator{Solver: &fakeSolver{}, Dir: t.TempDir()}
	_, err := c.Run(context.Background(), Request{CameraName: "cam"})
	assert.Error(t, err)
}

func TestRunSolverError(t *testing.T) {
	c := &Calibrator{Solver: &fakeSolver{err: errors.New("singular")}, Dir: t.TempDir()}
	_, err := c.Run(context.Background(), Request{CameraName: "cam", Boards: [][][2]float64{{{1, 1}}}})
	assert.ErrorContains(t, err, "singular")
}

func TestRosName(t *testing.T) {
	assert.Equal(t, "Basler_21_x", RosName("Basler-21.x"))
}
