// Package hook connects the processing thread to an external frame
// processor over gRPC. Every call is bounded by a timeout.
package hook

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
)

const (
	ServiceName           = "strandcam.hook.v1.FrameHook"
	processMethod         = "/" + ServiceName + "/Process"
	findCornersMethod     = "/" + ServiceName + "/FindChessboardCorners"
	calibrateMethod       = "/" + ServiceName + "/Calibrate"
	DefaultTimeout        = 5 * time.Millisecond
	defaultCornersTimeout = 5 * time.Second
)

var (
	// ErrTimeout means the processor did not answer within the deadline.
	ErrTimeout = errors.New("processing hook timed out")
	// ErrDisconnected means the processor is gone.
	ErrDisconnected = errors.New("processing hook disconnected")
)

// Processor handles one frame synchronously.
type Processor interface {
	Process(ctx context.Context, f *camera.Frame) ([]detect.Point, error)
}

// CornerFinder locates the inner corners of a checkerboard.
type CornerFinder interface {
	FindCorners(ctx context.Context, f *camera.Frame, patternW, patternH uint32) ([][2]float64, error)
}

// Intrinsics are pinhole camera parameters with plumb-bob distortion.
type Intrinsics struct {
	CameraMatrix [9]float64
	Distortion   []float64
}

// CalibrationRequest carries every collected checkerboard.
type CalibrationRequest struct {
	ImageWidth  uint32
	ImageHeight uint32
	PatternW    uint32
	PatternH    uint32
	Boards      [][][2]float64
}

// Config holds client options.
type Config struct {
	Endpoint       string
	Timeout        time.Duration
	CornersTimeout time.Duration
}

// Client calls a remote FrameHook service.
type Client struct {
	conn           *grpc.ClientConn
	timeout        time.Duration
	cornersTimeout time.Duration
}

var (
	_ Processor    = (*Client)(nil)
	_ CornerFinder = (*Client)(nil)
)

// Dial creates a client. Extra dial options are appended, tests use them to
// inject an in-memory listener.
func Dial(cfg Config, opts ...grpc.DialOption) (*Client, error) {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Endpoint, err)
	}

	c := &Client{conn: conn, timeout: cfg.Timeout, cornersTimeout: cfg.CornersTimeout}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.cornersTimeout <= 0 {
		c.cornersTimeout = defaultCornersTimeout
	}
	log.Info().Str("component", "hook").Str("endpoint", cfg.Endpoint).Dur("timeout", c.timeout).Msg("processing hook configured")
	return c, nil
}

// CheckHealth asks the standard gRPC health service whether the hook is
// serving.
func (c *Client) CheckHealth(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("hook status %s", resp.GetStatus())
	}
	return nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Process sends the frame and waits at most the configured timeout.
func (c *Client) Process(ctx context.Context, f *camera.Frame) ([]detect.Point, error) {
	req, err := structpb.NewStruct(frameFields(f))
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, processMethod, req, resp); err != nil {
		return nil, classify(ctx, err)
	}
	return decodePoints(resp), nil
}

// FindCorners asks the hook to find checkerboard corners.
func (c *Client) FindCorners(ctx context.Context, f *camera.Frame, patternW, patternH uint32) ([][2]float64, error) {
	fields := frameFields(f)
	fields["pattern_width"] = patternW
	fields["pattern_height"] = patternH
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cornersTimeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, findCornersMethod, req, resp); err != nil {
		return nil, classify(ctx, err)
	}
	return decodeCorners(resp), nil
}

// Calibrate asks the hook to solve for camera intrinsics. It is not bound
// by the per-frame timeout.
func (c *Client) Calibrate(ctx context.Context, req CalibrationRequest) (*Intrinsics, error) {
	boards := make([]any, 0, len(req.Boards))
	for _, b := range req.Boards {
		pts := make([]any, 0, len(b))
		for _, p := range b {
			pts = append(pts, []any{p[0], p[1]})
		}
		boards = append(boards, pts)
	}
	in, err := structpb.NewStruct(map[string]any{
		"image_width":    req.ImageWidth,
		"image_height":   req.ImageHeight,
		"pattern_width":  req.PatternW,
		"pattern_height": req.PatternH,
		"boards":         boards,
	})
	if err != nil {
		return nil, fmt.Errorf("encode calibration request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, calibrateMethod, in, resp); err != nil {
		return nil, classify(ctx, err)
	}

	k := resp.GetFields()["camera_matrix"].GetListValue().GetValues()
	if len(k) != 9 {
		return nil, fmt.Errorf("camera_matrix has %d elements, want 9", len(k))
	}
	out := &Intrinsics{}
	for i, v := range k {
		out.CameraMatrix[i] = v.GetNumberValue()
	}
	for _, v := range resp.GetFields()["distortion"].GetListValue().GetValues() {
		out.Distortion = append(out.Distortion, v.GetNumberValue())
	}
	return out, nil
}

// classify maps a call error onto ErrTimeout or ErrDisconnected. A call
// cancelled by its caller returns the context error unchanged.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case codes.Unavailable, codes.Canceled:
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	default:
		return err
	}
}

func frameFields(f *camera.Frame) map[string]any {
	return map[string]any{
		"fno":       f.Fno,
		"timestamp": float64(f.Timestamp.UnixNano()) / 1e9,
		"width":     f.Width,
		"height":    f.Height,
		"stride":    f.Stride,
		"format":    string(f.Format),
		"data":      base64.StdEncoding.EncodeToString(f.Data),
	}
}

func decodePoints(s *structpb.Struct) []detect.Point {
	values := s.GetFields()["points"].GetListValue().GetValues()
	out := make([]detect.Point, 0, len(values))
	for _, v := range values {
		fields := v.GetStructValue().GetFields()
		pt := detect.Point{
			X: fields["x"].GetNumberValue(),
			Y: fields["y"].GetNumberValue(),
		}
		if th, ok := fields["theta"]; ok {
			theta := th.GetNumberValue()
			pt.Theta = &theta
		}
		if a, ok := fields["area"]; ok {
			area := a.GetNumberValue()
			pt.Area = &area
		}
		out = append(out, pt)
	}
	return out
}

func decodeCorners(s *structpb.Struct) [][2]float64 {
	if !s.GetFields()["found"].GetBoolValue() {
		return nil
	}
	values := s.GetFields()["corners"].GetListValue().GetValues()
	out := make([][2]float64, 0, len(values))
	for _, v := range values {
		xy := v.GetListValue().GetValues()
		if len(xy) != 2 {
			continue
		}
		out = append(out, [2]float64{xy[0].GetNumberValue(), xy[1].GetNumberValue()})
	}
	return out
}
