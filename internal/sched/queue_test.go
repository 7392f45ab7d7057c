package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushPopFIFO(t *testing.T) {
	q := NewQueue[int](4)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.PushEventually(ctx, i))
	}
	for i := 0; i < 3; i++ {
		v, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestQueuePushBlocksAtCapacity(t *testing.T) {
	q := NewQueue[int](1)
	ctx := context.Background()
	require.NoError(t, q.PushEventually(ctx, 1))
	assert.False(t, q.TryPush(2))

	pushed := make(chan struct{})
	go func() {
		require.NoError(t, q.PushEventually(ctx, 2))
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push completed despite full queue")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := q.Pop(ctx)
	require.NoError(t, err)
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push never unblocked after pop")
	}
}

func TestQueueAbortWakesWaitersAndFuturePops(t *testing.T) {
	q := NewQueue[int](0)
	ctx := context.Background()

	popErr := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		popErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	q.Abort(nil)
	assert.ErrorIs(t, <-popErr, ErrQueueAborted)

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, ErrQueueAborted)
	assert.ErrorIs(t, q.PushEventually(ctx, 1), ErrQueueAborted)
}

func TestQueueAbortIdempotent(t *testing.T) {
	q := NewQueue[int](0)
	q.Abort(nil)
	q.Abort(assert.AnError)
	_, err := q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueAborted)
}
