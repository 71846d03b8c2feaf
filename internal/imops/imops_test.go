package imops

import (
	"image"
	"image/color"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"strandcam/internal/store"
)

func spotImage() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 20, 10))
	for y := 4; y <= 6; y++ {
		for x := 10; x <= 12; x++ {
			img.SetGray(x, y, color.Gray{Y: 200})
		}
	}
	return img
}

func TestProcessSendsCentroid(t *testing.T) {
	lis, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer lis.Close()

	s := NewSender()
	defer s.Close()

	cfg := store.ImOpsState{
		DoDetection: true,
		Source:      "127.0.0.1",
		Destination: lis.LocalAddr().String(),
		CenterX:     5,
		CenterY:     6,
		Threshold:   100,
	}
	pt := s.Process(spotImage(), cfg)
	require.NotNil(t, pt)
	assert.InDelta(t, 11.0, pt.X, 1e-9)
	assert.InDelta(t, 5.0, pt.Y, 1e-9)

	buf := make([]byte, 256)
	lis.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := lis.ReadFromUDP(buf)
	require.NoError(t, err)

	var got Centroid
	require.NoError(t, msgpack.Unmarshal(buf[:n], &got))
	assert.Equal(t, Centroid{X: 11, Y: 5, CenterX: 5, CenterY: 6}, got)
}

func TestProcessEmptyImage(t *testing.T) {
	s := NewSender()
	defer s.Close()
	assert.Nil(t, s.Process(image.NewGray(image.Rect(0, 0, 4, 4)), store.ImOpsState{Threshold: 10}))
}

func TestProcessBadDestinationStillReturnsPoint(t *testing.T) {
	s := NewSender()
	defer s.Close()
	pt := s.Process(spotImage(), store.ImOpsState{Source: "127.0.0.1", Destination: "not an address", Threshold: 100})
	assert.NotNil(t, pt)
}
