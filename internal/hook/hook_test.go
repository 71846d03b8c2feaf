package hook

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"strandcam/internal/camera"
)

type fakeServer struct {
	delay   time.Duration
	lastReq *structpb.Struct
}

func (f *fakeServer) Process(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.lastReq = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return PointsResponse([][2]float64{{1.5, 2.5}})
}

func (f *fakeServer) FindChessboardCorners(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	w := int(req.GetFields()["pattern_width"].GetNumberValue())
	h := int(req.GetFields()["pattern_height"].GetNumberValue())
	var corners [][2]float64
	for i := 0; i < w*h; i++ {
		corners = append(corners, [2]float64{float64(i), float64(i)})
	}
	return CornersResponse(corners)
}

func (f *fakeServer) Calibrate(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	n := len(req.GetFields()["boards"].GetListValue().GetValues())
	return IntrinsicsResponse(Intrinsics{
		CameraMatrix: [9]float64{float64(n), 0, 1, 0, 2, 3, 0, 0, 1},
		Distortion:   []float64{0.1, 0, 0, 0, 0},
	})
}

func startServer(t *testing.T, srv Server) (*Client, func()) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterServer(s, srv)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	go func() { _ = s.Serve(lis) }()

	c, err := Dial(Config{Endpoint: "passthrough:///bufnet", Timeout: 500 * time.Millisecond},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	return c, func() {
		_ = c.Close()
		s.Stop()
	}
}

func testFrame() *camera.Frame {
	return &camera.Frame{
		Fno: 7, Timestamp: time.Unix(100, 0), Width: 2, Height: 2, Stride: 2,
		Format: camera.Mono8, Data: []byte{1, 2, 3, 4},
	}
}

func TestProcessReturnsPoints(t *testing.T) {
	srv := &fakeServer{}
	c, stop := startServer(t, srv)
	defer stop()

	require.NoError(t, c.CheckHealth(context.Background()))

	pts, err := c.Process(context.Background(), testFrame())
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, 1.5, pts[0].X)
	assert.Equal(t, 2.5, pts[0].Y)
	assert.Nil(t, pts[0].Theta)

	assert.Equal(t, float64(7), srv.lastReq.GetFields()["fno"].GetNumberValue())
	assert.Equal(t, "MONO8", srv.lastReq.GetFields()["format"].GetStringValue())
	assert.Equal(t, "AQIDBA==", srv.lastReq.GetFields()["data"].GetStringValue())
}

func TestProcessTimeout(t *testing.T) {
	c, stop := startServer(t, &fakeServer{delay: 2 * time.Second})
	defer stop()
	c.timeout = 20 * time.Millisecond

	_, err := c.Process(context.Background(), testFrame())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestProcessCancelledByCaller(t *testing.T) {
	c, stop := startServer(t, &fakeServer{delay: 2 * time.Second})
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Process(ctx, testFrame())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrDisconnected))
}

func TestProcessDisconnected(t *testing.T) {
	c, stop := startServer(t, &fakeServer{})
	stop()

	_, err := c.Process(context.Background(), testFrame())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDisconnected))
}

func TestFindCorners(t *testing.T) {
	c, stop := startServer(t, &fakeServer{})
	defer stop()

	corners, err := c.FindCorners(context.Background(), testFrame(), 3, 2)
	require.NoError(t, err)
	assert.Len(t, corners, 6)
	assert.Equal(t, [2]float64{5, 5}, corners[5])
}

func TestDecodeCornersNotFound(t *testing.T) {
	resp, err := CornersResponse(nil)
	require.NoError(t, err)
	assert.Nil(t, decodeCorners(resp))
}

func TestCalibrate(t *testing.T) {
	c, stop := startServer(t, &fakeServer{})
	defer stop()

	in, err := c.Calibrate(context.Background(), CalibrationRequest{
		ImageWidth: 640, ImageHeight: 480, PatternW: 2, PatternH: 1,
		Boards: [][][2]float64{{{1, 1}, {2, 2}}, {{3, 3}, {4, 4}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, in.CameraMatrix[0])
	assert.Equal(t, []float64{0.1, 0, 0, 0, 0}, in.Distortion)
}
