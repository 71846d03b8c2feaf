package recording

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
)

func testFrame(fno uint64, ts time.Time) *camera.Frame {
	return camera.NewSynthetic(16, 8, 30).Render(fno, ts)
}

func TestFormatTemplate(t *testing.T) {
	ts := time.Date(2024, 3, 7, 9, 5, 2, 123456000, time.Local)

	assert.Equal(t, "movie20240307_090502.fmf", FormatTemplate(DefaultFmfTemplate, ts))
	assert.Equal(t, "flytrax20240307_090502", FormatTemplate(CsvBaseTemplate, ts))
	assert.Equal(t, "a%b_123456_%", FormatTemplate("a%%b_%f_%", ts))
	assert.Equal(t, "Mar-067", FormatTemplate("%b-%j", ts))
	assert.Equal(t, Stdout, FormatTemplate(Stdout, ts))
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(FrameRate(10))
	t0 := time.Unix(100, 0)

	assert.True(t, th.Allow(t0))
	assert.False(t, th.Allow(t0.Add(50*time.Millisecond)))
	assert.True(t, th.Allow(t0.Add(100*time.Millisecond)))

	unlimited := NewThrottle(0)
	assert.True(t, unlimited.Allow(t0))
	assert.True(t, unlimited.Allow(t0))
}

func TestFMFWriterHeaderAndCount(t *testing.T) {
	dir := t.TempDir()
	fac := &FileFactory{Dir: dir}

	w, err := fac.NewFMF("out.fmf")
	require.NoError(t, err)
	t0 := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(testFrame(uint64(i), t0.Add(time.Duration(i)*time.Second)), nil))
	}
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write(testFrame(9, t0), nil), ErrClosed)

	b, err := os.ReadFile(filepath.Join(dir, "out.fmf"))
	require.NoError(t, err)

	le := binary.LittleEndian
	assert.Equal(t, uint32(3), le.Uint32(b[0:]))
	require.Equal(t, uint32(5), le.Uint32(b[4:]))
	assert.Equal(t, "MONO8", string(b[8:13]))
	assert.Equal(t, uint32(8), le.Uint32(b[13:]))
	assert.Equal(t, uint32(8), le.Uint32(b[17:]))
	assert.Equal(t, uint32(16), le.Uint32(b[21:]))
	chunk := le.Uint64(b[25:])
	assert.Equal(t, uint64(8+16*8), chunk)
	assert.Equal(t, uint64(3), le.Uint64(b[33:]))

	hdrLen := 41
	require.Len(t, b, hdrLen+3*int(chunk))
	ts := math.Float64frombits(le.Uint64(b[hdrLen+int(chunk):]))
	assert.InDelta(t, 1700000001.0, ts, 1e-6)
}

func TestStdoutSentinel(t *testing.T) {
	fac := &FileFactory{Dir: t.TempDir()}

	_, err := fac.NewMKV(Stdout, DefaultMkvConfig())
	assert.ErrorIs(t, err, ErrStdoutNotSupported)

	_, err = fac.NewUFMF(Stdout)
	assert.ErrorIs(t, err, ErrStdoutNotSupported)

	w, err := fac.NewFMF(Stdout)
	require.NoError(t, err)
	assert.Equal(t, Stdout, w.Path())
}

func TestUFMFWriterIndex(t *testing.T) {
	dir := t.TempDir()
	fac := &FileFactory{Dir: dir}

	w, err := fac.NewUFMF("out.ufmf")
	require.NoError(t, err)

	t0 := time.Unix(1700000000, 0)
	pts := []detect.Point{{X: 4, Y: 4}}
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Write(testFrame(uint64(i), t0.Add(time.Duration(i)*time.Millisecond)), pts))
	}
	require.NoError(t, w.Close())

	b, err := os.ReadFile(filepath.Join(dir, "out.ufmf"))
	require.NoError(t, err)
	assert.Equal(t, "ufmf", string(b[:4]))

	indexOffset := binary.LittleEndian.Uint64(b[8:])
	require.Less(t, int(indexOffset), len(b))
	assert.Equal(t, byte(chunkIndex), b[indexOffset])
	nKeyframes := binary.LittleEndian.Uint32(b[indexOffset+1:])
	assert.Equal(t, uint32(1), nKeyframes)
	nFrames := binary.LittleEndian.Uint32(b[indexOffset+5+8:])
	assert.Equal(t, uint32(4), nFrames)
}
