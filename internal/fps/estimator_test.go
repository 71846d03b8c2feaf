package fps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoEstimateBeforeWindow(t *testing.T) {
	e := NewEstimator(10)
	t0 := time.Unix(1000, 0)

	for i := uint64(0); i < 10; i++ {
		_, ok := e.Update(i, t0.Add(time.Duration(i)*10*time.Millisecond))
		assert.False(t, ok, "frame %d", i)
	}

	rate, ok := e.Update(10, t0.Add(100*time.Millisecond))
	require.True(t, ok)
	assert.InDelta(t, 100.0, rate, 1e-9)
}

func TestConstantIntervalRate(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		want     float64
	}{
		{"30hz", time.Second / 30, 30},
		{"100hz", 10 * time.Millisecond, 100},
		{"2hz", 500 * time.Millisecond, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEstimator(DefaultWindow)
			t0 := time.Unix(0, 0)
			var got []float64
			for i := uint64(0); i <= 3*DefaultWindow; i++ {
				if r, ok := e.Update(i, t0.Add(time.Duration(i)*tt.interval)); ok {
					got = append(got, r)
				}
			}
			require.Len(t, got, 3)
			for _, r := range got {
				assert.InDelta(t, tt.want, r, 1e-6)
			}
		})
	}
}

func TestFrameCounterReset(t *testing.T) {
	e := NewEstimator(5)
	t0 := time.Unix(0, 0)
	e.Update(100, t0)

	_, ok := e.Update(3, t0.Add(time.Second))
	assert.False(t, ok)

	rate, ok := e.Update(8, t0.Add(2*time.Second))
	require.True(t, ok)
	assert.InDelta(t, 5.0, rate, 1e-9)
}
