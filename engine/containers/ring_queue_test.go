package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingQueueFIFO(t *testing.T) {
	rq := NewRingQueue[int](4)

	for i := 1; i <= 4; i++ {
		require.NoError(t, rq.Enqueue(i))
	}
	assert.True(t, rq.IsFull())
	assert.ErrorIs(t, rq.Enqueue(5), ErrQueueFull)

	for i := 1; i <= 4; i++ {
		got, err := rq.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
	assert.True(t, rq.IsEmpty())

	_, err := rq.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestRingQueueWrapsAround(t *testing.T) {
	rq := NewRingQueue[string](2)

	// Exercise index wrap by cycling more elements than the capacity.
	require.NoError(t, rq.Enqueue("a"))
	require.NoError(t, rq.Enqueue("b"))
	for _, next := range []string{"c", "d", "e"} {
		_, err := rq.Dequeue()
		require.NoError(t, err)
		require.NoError(t, rq.Enqueue(next))
	}

	got, err := rq.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "d", got)
	got, err = rq.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "e", got)
}

func TestRingQueuePeek(t *testing.T) {
	rq := NewRingQueue[int](2)

	_, err := rq.Peek()
	assert.ErrorIs(t, err, ErrQueueEmpty)

	require.NoError(t, rq.Enqueue(7))
	got, err := rq.Peek()
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 1, rq.Len())
}
