package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticSettersValidateRange(t *testing.T) {
	c := NewSynthetic(64, 48, 100)

	require.NoError(t, c.SetExposureTime(1000))
	v, err := c.ExposureTime()
	require.NoError(t, err)
	assert.Equal(t, 1000.0, v)

	assert.Error(t, c.SetExposureTime(-5))
	assert.Error(t, c.SetGain(1000))

	boom := errors.New("usb unplugged")
	c.FailSetters(boom)
	assert.ErrorIs(t, c.SetGain(1), boom)
	c.FailSetters(nil)
	assert.NoError(t, c.SetGain(1))
}

func TestSyntheticCaptureStopsOnCancel(t *testing.T) {
	c := NewSynthetic(32, 32, 1000)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan *Frame, 100)
	done := make(chan error, 1)
	go func() {
		done <- c.Capture(ctx, func(f *Frame) {
			select {
			case got <- f:
			default:
			}
		})
	}()

	first := <-got
	assert.Equal(t, uint64(0), first.Fno)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not stop")
	}
}

func TestFrameGrayAndJPEG(t *testing.T) {
	c := NewSynthetic(40, 30, 10)
	f := c.Render(0, time.Now())

	g, err := f.Gray()
	require.NoError(t, err)
	assert.Equal(t, 40, g.Bounds().Dx())

	jpg, err := f.JPEG(90)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, jpg[:2])

	clone := f.Clone()
	clone.Data[0] = 1
	assert.NotEqual(t, clone.Data[0], f.Data[0])
}
