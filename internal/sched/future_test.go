package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureThenAfterResolve(t *testing.T) {
	s, _ := startShard(t)
	f, p := NewFuture[int]()
	p.Resolve(42)

	got := make(chan int, 1)
	f.Then(s, func(v int, err error) {
		require.NoError(t, err)
		got <- v
	})
	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Then callback never ran")
	}
}

func TestFutureThenBeforeResolve(t *testing.T) {
	s, _ := startShard(t)
	f, p := NewFuture[string]()

	got := make(chan string, 1)
	f.Then(s, func(v string, err error) {
		require.NoError(t, err)
		got <- v
	})
	p.Resolve("hi")

	select {
	case v := <-got:
		assert.Equal(t, "hi", v)
	case <-time.After(time.Second):
		t.Fatal("Then callback never ran")
	}
}

func TestFutureDoubleResolveIsNoop(t *testing.T) {
	f, p := NewFuture[int]()
	p.Resolve(1)
	p.Resolve(2)
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFutureAwaitRejected(t *testing.T) {
	f, p := NewFuture[int]()
	sentinel := errors.New("boom")
	p.Reject(sentinel)
	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, sentinel)
}

func TestFutureAwaitContextCancelled(t *testing.T) {
	f, _ := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureAwaitAlreadyDone(t *testing.T) {
	f, p := NewFuture[int]()
	p.Resolve(7)
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
