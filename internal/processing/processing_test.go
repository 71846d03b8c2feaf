package processing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
	"strandcam/internal/hook"
	"strandcam/internal/metrics"
	"strandcam/internal/recording"
	"strandcam/internal/store"
	"strandcam/internal/stream"
)

type memWriter struct {
	mu      sync.Mutex
	path    string
	frames  []uint64
	failErr error
	closed  bool
}

func (w *memWriter) Write(f *camera.Frame, _ []detect.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failErr != nil {
		return w.failErr
	}
	w.frames = append(w.frames, f.Fno)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memWriter) Path() string { return w.path }

func (w *memWriter) Frames() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.frames...)
}

type memFactory struct {
	mu         sync.Mutex
	created    []*memWriter
	writeFail  error
	createFail error
}

func (m *memFactory) newWriter(path string) (recording.Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createFail != nil {
		return nil, m.createFail
	}
	w := &memWriter{path: path, failErr: m.writeFail}
	m.created = append(m.created, w)
	return w, nil
}

func (m *memFactory) NewFMF(path string) (recording.Writer, error) { return m.newWriter(path) }
func (m *memFactory) NewMKV(path string, _ recording.MkvConfig) (recording.Writer, error) {
	return m.newWriter(path)
}
func (m *memFactory) NewUFMF(path string) (recording.Writer, error) { return m.newWriter(path) }

func (m *memFactory) last() *memWriter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created[len(m.created)-1]
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// frameAt returns a 16x16 white frame with a dark 3x3 spot centred on
// (8, 8), stamped t0 + ms.
func frameAt(fno uint64, ms int) *camera.Frame {
	w, h := 16, 16
	data := make([]byte, w*h)
	for i := range data {
		data[i] = 255
	}
	for y := 7; y <= 9; y++ {
		for x := 7; x <= 9; x++ {
			data[y*w+x] = 0
		}
	}
	return &camera.Frame{
		Fno: fno, Timestamp: t0.Add(time.Duration(ms) * time.Millisecond),
		Width: w, Height: h, Stride: w, Format: camera.Mono8, Data: data,
	}
}

func runActor(t *testing.T, a *Actor) (chan error, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return done, cancel
}

func waitResult(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("actor did not stop")
		return nil
	}
}

func TestErrorStateSuppressesBurst(t *testing.T) {
	e := NewErrorState(time.Second)
	now := t0

	assert.True(t, e.Observe(now))
	mode, deadline := e.Mode()
	assert.Equal(t, IgnoreUntil, mode)
	assert.Equal(t, now.Add(time.Second), deadline)

	notified := 0
	for i := 1; i < 100; i++ {
		if e.Observe(now.Add(time.Duration(i) * time.Millisecond)) {
			notified++
		}
	}
	assert.Zero(t, notified)

	assert.True(t, e.Observe(now.Add(time.Second)))
	mode, _ = e.Mode()
	assert.Equal(t, NotifyAll, mode)
}

func TestErrorStateIgnoreAll(t *testing.T) {
	e := NewErrorState(0)
	e.SetIgnoreFuture(nil, t0)
	for i := 0; i < 10; i++ {
		assert.False(t, e.Observe(t0.Add(time.Duration(i)*time.Hour)))
	}
}

func TestErrorStateSetIgnoreFuture(t *testing.T) {
	e := NewErrorState(0)

	secs := 2.0
	e.SetIgnoreFuture(&secs, t0)
	assert.False(t, e.Observe(t0.Add(time.Second)))
	assert.True(t, e.Observe(t0.Add(3*time.Second)))

	zero := 0.0
	e.SetIgnoreFuture(&zero, t0)
	assert.True(t, e.Observe(t0))
	assert.True(t, e.Observe(t0), "zero grace notifies every time")
}

func TestCooldownGrows(t *testing.T) {
	c := newCooldown()
	assert.True(t, c.ready(t0))
	c.done(100*time.Millisecond, t0)
	assert.False(t, c.ready(t0.Add(400*time.Millisecond)))
	assert.True(t, c.ready(t0.Add(501*time.Millisecond)))

	c.done(800*time.Millisecond, t0)
	assert.Equal(t, 805*time.Millisecond, c.interval)
	assert.False(t, c.ready(t0.Add(600*time.Millisecond)))
}

func TestCorners(t *testing.T) {
	c := NewCorners()
	assert.Equal(t, 1, c.Add([][2]float64{{1, 2}}))
	assert.Equal(t, 2, c.Add([][2]float64{{3, 4}}))
	snap := c.Snapshot()
	c.Clear()
	assert.Len(t, snap, 2)
	assert.Zero(t, c.Len())
}

func readCsv(t *testing.T, dir string) (header []string, rows []string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "flytrax*.csv"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	buf, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimRight(string(buf), "\n"), "\n") {
		if strings.HasPrefix(line, "#") {
			header = append(header, line)
			continue
		}
		rows = append(rows, line)
	}
	return header, rows
}

func pt(x, y float64) detect.Point { return detect.Point{X: x, Y: y} }

func TestCsvStartingCreatesOneFileWithoutRow(t *testing.T) {
	dir := t.TempDir()
	c := NewCsvSaver(dir)
	st := store.SharedState{CameraName: "cam0", ObjDetectionConfig: detect.DefaultConfig()}

	require.NoError(t, c.Start(nil))
	path, err := c.Frame(frameAt(1, 0), []detect.Point{pt(1, 2)}, &st)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".csv"))
	_, err = c.Frame(frameAt(2, 10), nil, &st)
	require.NoError(t, err)
	require.NoError(t, c.Stop())

	header, rows := readCsv(t, dir)
	assert.Equal(t, "# -- start of yaml config --", header[0])
	assert.Equal(t, "# -- end of yaml config --", header[len(header)-1])
	assert.Contains(t, strings.Join(header, "\n"), "# camera:")
	require.Len(t, rows, 1)
	assert.Equal(t, strings.Join(csvColumns, ","), rows[0])

	jpgs, _ := filepath.Glob(filepath.Join(dir, "flytrax*.jpg"))
	assert.Len(t, jpgs, 1)
}

func TestCsvRateLimit(t *testing.T) {
	dir := t.TempDir()
	c := NewCsvSaver(dir)
	st := store.SharedState{}
	rate := 10.0 // 100ms

	require.NoError(t, c.Start(&rate))
	_, err := c.Frame(frameAt(0, 0), nil, &st)
	require.NoError(t, err)

	// Frames every 30ms for one second.
	for i := 1; i <= 33; i++ {
		_, err := c.Frame(frameAt(uint64(i), i*30), []detect.Point{pt(1, 1)}, &st)
		require.NoError(t, err)
	}
	require.NoError(t, c.Stop())

	_, rows := readCsv(t, dir)
	rows = rows[1:]
	require.NotEmpty(t, rows)
	var prev int64 = -1
	for _, r := range rows {
		us, err := strconv.ParseInt(strings.Split(r, ",")[0], 10, 64)
		require.NoError(t, err)
		if prev >= 0 {
			assert.GreaterOrEqual(t, us-prev, int64(100000))
		}
		prev = us
	}
}

func TestCsvUnlimitedWritesEveryPoint(t *testing.T) {
	dir := t.TempDir()
	c := NewCsvSaver(dir)
	theta := 0.25
	area := 9.0
	dev := store.DefaultDeviceState()
	dev.Ch1.OnState = store.ChannelConstantOn
	dev.Ch1.Intensity = 77
	st := store.SharedState{DeviceState: &dev}

	require.NoError(t, c.Start(nil))
	_, err := c.Frame(frameAt(0, 0), nil, &st)
	require.NoError(t, err)
	_, err = c.Frame(frameAt(1, 1), []detect.Point{{X: 1.26, Y: 2, Theta: &theta, Area: &area}, pt(3, 4)}, &st)
	require.NoError(t, err)
	_, err = c.Frame(frameAt(2, 2), []detect.Point{pt(5, 6)}, &st)
	require.NoError(t, err)
	require.NoError(t, c.Stop())

	_, rows := readCsv(t, dir)
	require.Len(t, rows, 4)
	assert.Equal(t, "1000,1,1.3,2.0,0.250,9,77,0,0", rows[1])
	assert.Equal(t, "1000,1,3.0,4.0,,,77,0,0", rows[2])
	assert.Equal(t, "2000,2,5.0,6.0,,,77,0,0", rows[3])
}

func TestCsvNoDeviceLeavesLedColumnsEmpty(t *testing.T) {
	dir := t.TempDir()
	c := NewCsvSaver(dir)
	st := store.SharedState{}
	require.NoError(t, c.Start(nil))
	_, err := c.Frame(frameAt(0, 0), nil, &st)
	require.NoError(t, err)
	_, err = c.Frame(frameAt(1, 5), []detect.Point{pt(1, 1)}, &st)
	require.NoError(t, err)
	require.NoError(t, c.Stop())

	_, rows := readCsv(t, dir)
	assert.Equal(t, "5000,1,1.0,1.0,,,,,", rows[1])
}

func TestPostTriggerDrainsBufferFirst(t *testing.T) {
	in := make(chan Msg, QueueSize)
	factory := &memFactory{}
	a := NewActor(in, Options{Factory: factory})
	done, cancel := runActor(t, a)
	defer cancel()

	in <- SetPostTriggerBufferSize{Size: 3}
	for i := 1; i <= 5; i++ {
		in <- FrameMsg{Frame: frameAt(uint64(i), i*10)}
	}
	in <- PostTriggerStartMkv{Path: "post.mkv", Config: recording.DefaultMkvConfig()}
	in <- FrameMsg{Frame: frameAt(6, 60)}
	in <- Quit{}
	require.NoError(t, waitResult(t, done))

	w := factory.last()
	assert.Equal(t, []uint64{3, 4, 5, 6}, w.Frames())
	assert.True(t, w.closed)
	assert.Equal(t, 1, a.ring.Len())
}

func TestWriterErrorIsFatal(t *testing.T) {
	shared := store.New(store.SharedState{})
	shared.Modify(func(s *store.SharedState) { s.IsRecordingFmf = store.NewRecordingPath("id", "a.fmf") })

	in := make(chan Msg, QueueSize)
	factory := &memFactory{writeFail: errors.New("disk full")}
	a := NewActor(in, Options{Factory: factory})
	done, cancel := runActor(t, a)
	defer cancel()

	in <- StoreHandoff{Shared: shared}
	in <- StartFMF{Path: "a.fmf"}
	in <- FrameMsg{Frame: frameAt(1, 0)}

	err := waitResult(t, done)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWriter))
	assert.Nil(t, shared.Read().IsRecordingFmf)
	assert.True(t, factory.last().closed)
}

func TestWriterCreateErrorClearsRecording(t *testing.T) {
	shared := store.New(store.SharedState{})
	shared.Modify(func(s *store.SharedState) {
		s.IsRecordingFmf = store.NewRecordingPath("id", "a.fmf")
		s.IsRecordingMkv = store.NewRecordingPath("id2", "b.mkv")
	})

	in := make(chan Msg, QueueSize)
	factory := &memFactory{createFail: os.ErrPermission}
	a := NewActor(in, Options{Factory: factory})
	done, cancel := runActor(t, a)
	defer cancel()

	in <- StoreHandoff{Shared: shared}
	in <- StartFMF{Path: "a.fmf"}

	err := waitResult(t, done)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWriter))
	assert.Contains(t, err.Error(), "permission denied")
	st := shared.Read()
	assert.Nil(t, st.IsRecordingFmf)
	assert.NotNil(t, st.IsRecordingMkv)
	assert.Empty(t, factory.created)
}

func TestFMFThrottle(t *testing.T) {
	in := make(chan Msg, QueueSize)
	factory := &memFactory{}
	a := NewActor(in, Options{Factory: factory})
	done, cancel := runActor(t, a)
	defer cancel()

	in <- StartFMF{Path: "a.fmf", Rate: 10}
	for i := 0; i < 10; i++ {
		in <- FrameMsg{Frame: frameAt(uint64(i), i*50)}
	}
	in <- Quit{}
	require.NoError(t, waitResult(t, done))
	assert.Equal(t, []uint64{0, 2, 4, 6, 8}, factory.last().Frames())
}

type fakeHook struct {
	err   error
	calls int
}

func (h *fakeHook) Process(_ context.Context, _ *camera.Frame) ([]detect.Point, error) {
	h.calls++
	return nil, h.err
}

func TestHookTimeoutContinues(t *testing.T) {
	in := make(chan Msg, QueueSize)
	h := &fakeHook{err: hook.ErrTimeout}
	a := NewActor(in, Options{Factory: &memFactory{}, Hook: h})
	done, cancel := runActor(t, a)
	defer cancel()

	in <- FrameMsg{Frame: frameAt(1, 0)}
	in <- FrameMsg{Frame: frameAt(2, 10)}
	in <- Quit{}
	require.NoError(t, waitResult(t, done))
	assert.Equal(t, 2, h.calls)
}

func TestHookDisconnectIsFatal(t *testing.T) {
	in := make(chan Msg, QueueSize)
	a := NewActor(in, Options{Factory: &memFactory{}, Hook: &fakeHook{err: hook.ErrDisconnected}})
	done, cancel := runActor(t, a)
	defer cancel()

	in <- FrameMsg{Frame: frameAt(1, 0)}
	err := waitResult(t, done)
	assert.True(t, errors.Is(err, hook.ErrDisconnected))
}

func TestHookCancelledIsNotFatal(t *testing.T) {
	in := make(chan Msg, QueueSize)
	m := metrics.New()
	h := &fakeHook{err: context.Canceled}
	a := NewActor(in, Options{Factory: &memFactory{}, Hook: h, Metrics: m})
	done, cancel := runActor(t, a)
	defer cancel()

	in <- FrameMsg{Frame: frameAt(1, 0)}
	in <- Quit{}
	require.NoError(t, waitResult(t, done))
	assert.Equal(t, 1, h.calls)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.FatalErrors))
}

func TestFirehoseNeverBlocks(t *testing.T) {
	in := make(chan Msg, QueueSize)
	firehose := make(chan stream.AnnotatedFrame, stream.FirehoseCapacity)
	tracker := make(chan Detections, 1)
	a := NewActor(in, Options{Factory: &memFactory{}, Firehose: firehose, Tracker: tracker})
	done, cancel := runActor(t, a)
	defer cancel()

	in <- SetTracking{Enabled: true}
	for i := 0; i < 15; i++ {
		in <- FrameMsg{Frame: frameAt(uint64(i), i)}
	}
	in <- Quit{}
	require.NoError(t, waitResult(t, done))

	assert.Len(t, firehose, stream.FirehoseCapacity)
	first := <-firehose
	assert.Equal(t, uint64(0), first.Frame.Fno)
	require.Len(t, first.Points, 1)
	assert.InDelta(t, 8.0, first.Points[0].X, 1e-9)
	assert.InDelta(t, 8.0, first.Points[0].Y, 1e-9)

	det := <-tracker
	assert.Equal(t, "detector", det.Source)
}

type fixedHeartbeat struct{ last time.Time }

func (h fixedHeartbeat) LastSeen() time.Time     { return h.last }
func (h fixedHeartbeat) Interval() time.Duration { return 100 * time.Millisecond }

func TestHeartbeatFlagsDeviceLost(t *testing.T) {
	shared := store.New(store.SharedState{})
	changes, unsubscribe := shared.Subscribe(100)
	defer unsubscribe()

	in := make(chan Msg, QueueSize)
	a := NewActor(in, Options{
		Factory:   &memFactory{},
		Heartbeat: fixedHeartbeat{last: t0.Add(-time.Second)},
		Clock:     func() time.Time { return t0 },
	})
	done, cancel := runActor(t, a)
	defer cancel()

	in <- StoreHandoff{Shared: shared}
	in <- FrameMsg{Frame: frameAt(1, 0)}
	in <- FrameMsg{Frame: frameAt(2, 1)}
	in <- Quit{}
	require.NoError(t, waitResult(t, done))

	assert.True(t, shared.Read().DeviceLost)
	lostChanges := 0
	for len(changes) > 0 {
		c := <-changes
		if !c.Old.DeviceLost && c.New.DeviceLost {
			lostChanges++
		}
	}
	assert.Equal(t, 1, lostChanges)
}

type fakeCorners struct{ calls int }

func (f *fakeCorners) FindCorners(_ context.Context, _ *camera.Frame, w, h uint32) ([][2]float64, error) {
	f.calls++
	return make([][2]float64, w*h), nil
}

func TestCheckerboardRespectsCooldown(t *testing.T) {
	shared := store.New(store.SharedState{Checkerboard: store.CheckerboardData{Enabled: true, Width: 3, Height: 2}})
	in := make(chan Msg, QueueSize)
	finder := &fakeCorners{}
	collected := NewCorners()
	a := NewActor(in, Options{
		Factory:   &memFactory{},
		Corners:   finder,
		Collected: collected,
		Clock:     func() time.Time { return t0 },
	})
	done, cancel := runActor(t, a)
	defer cancel()

	in <- StoreHandoff{Shared: shared}
	for i := 0; i < 5; i++ {
		in <- FrameMsg{Frame: frameAt(uint64(i), i)}
	}
	in <- Quit{}
	require.NoError(t, waitResult(t, done))

	assert.Equal(t, 1, finder.calls)
	assert.Equal(t, 1, collected.Len())
	assert.Equal(t, uint32(1), shared.Read().Checkerboard.NumCheckerboardsCollected)
}

func TestIngestDropsWhenFull(t *testing.T) {
	out := make(chan Msg, 1)
	shared := store.New(store.SharedState{})
	ing := NewIngest(out, NewErrorState(time.Minute), shared, nil)

	assert.True(t, ing.Offer(frameAt(1, 0)))
	assert.False(t, ing.Offer(frameAt(2, 1)))
	assert.True(t, shared.Read().HadFrameProcessingError)

	changes, unsubscribe := shared.Subscribe(10)
	defer unsubscribe()
	assert.False(t, ing.Offer(frameAt(3, 2)))
	assert.Len(t, changes, 0, "second drop inside the grace window is not reported")
}
