package ringbuf

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushEvictsOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}

	require.Equal(t, 3, b.Len())
	assert.Equal(t, []int{3, 4, 5}, b.Drain())
	assert.Empty(t, b.Drain())
}

func TestZeroCapacityIsNoop(t *testing.T) {
	b := New[string](0)
	b.Push("a")
	b.Push("b")

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Drain())
}

func TestSetSizeTrimsFront(t *testing.T) {
	b := New[int](10)
	for i := 0; i < 10; i++ {
		b.Push(i)
	}

	b.SetSize(4)
	assert.Equal(t, 4, b.Size())
	assert.Equal(t, []int{6, 7, 8, 9}, b.Drain())

	b.SetSize(-1)
	b.Push(1)
	assert.Equal(t, 0, b.Len())
}

func TestLengthNeverExceedsCapacity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := New[int](5)

	for i := 0; i < 2000; i++ {
		if rng.Intn(10) == 0 {
			b.SetSize(rng.Intn(8))
		} else {
			b.Push(i)
		}
		if b.Len() > b.Size() {
			t.Fatalf("step %d: len %d exceeds capacity %d", i, b.Len(), b.Size())
		}
	}
}

func TestDrainPreservesOrder(t *testing.T) {
	b := New[int](100)
	for i := 0; i < 50; i++ {
		b.Push(i)
	}

	got := b.Drain()
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}
