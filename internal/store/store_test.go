package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strandcam/internal/camera"
)

type counter struct {
	N    int
	Tags []string
}

func TestModifyNotifiesSubscribers(t *testing.T) {
	s := New(counter{})
	ch, unsubscribe := s.Subscribe(4)
	defer unsubscribe()

	s.Modify(func(c *counter) { c.N = 7 })

	select {
	case change := <-ch:
		assert.Equal(t, 0, change.Old.N)
		assert.Equal(t, 7, change.New.N)
		assert.Equal(t, uint64(1), change.Seq)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	assert.Equal(t, 7, s.Read().N)
}

func TestFullSubscriberDoesNotBlock(t *testing.T) {
	s := New(counter{})
	_, unsubscribe := s.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Modify(func(c *counter) { c.N++ })
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Modify blocked on a full subscriber")
	}
	assert.Equal(t, 100, s.Read().N)
}

func TestHandlersSeeCommitOrder(t *testing.T) {
	s := New(counter{})

	var mu sync.Mutex
	var seqs []uint64
	s.OnChange(func(c Change[counter]) {
		mu.Lock()
		seqs = append(seqs, c.Seq)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Modify(func(c *counter) { c.N++ })
			}
		}()
	}
	wg.Wait()

	require.Len(t, seqs, 400)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
	assert.Equal(t, 400, s.Read().N)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := New(counter{})
	ch, unsubscribe := s.Subscribe(1)
	assert.Equal(t, 1, s.SubscriberCount())

	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, s.SubscriberCount())
}

func TestReadReturnsCopy(t *testing.T) {
	s := New(counter{Tags: []string{"a"}})
	v := s.Read()
	v.N = 99
	assert.Equal(t, 0, s.Read().N)
}

func TestDeviceStateIntensity(t *testing.T) {
	d := DefaultDeviceState()
	d.Ch2 = ChannelState{Num: 2, OnState: ChannelConstantOn, Intensity: 512}
	d.Ch3 = ChannelState{Num: 3, OnState: ChannelOff, Intensity: 900}

	assert.Equal(t, uint16(0), d.Intensity(1))
	assert.Equal(t, uint16(512), d.Intensity(2))
	assert.Equal(t, uint16(0), d.Intensity(3))
	assert.Equal(t, uint16(0), d.Intensity(9))
}

func TestNewSharedState(t *testing.T) {
	info := camera.NewSynthetic(64, 48, 30).Info()
	s := NewSharedState(info)

	assert.Equal(t, 64, s.ImageWidth)
	require.NotNil(t, s.FrameRateLimit)
	assert.Equal(t, info.FrameRateRange.Max, s.FrameRateLimit.Current)
	assert.Nil(t, s.IsRecordingMkv)
}
