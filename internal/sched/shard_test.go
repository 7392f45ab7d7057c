package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startShard(t *testing.T) (*Shard, context.CancelFunc) {
	t.Helper()
	s := New(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s, cancel
}

func TestSpawnRunsInOrder(t *testing.T) {
	s, _ := startShard(t)
	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		s.Spawn(func() {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tasks")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSpawnAfterStopIsDropped(t *testing.T) {
	s := New(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	s.Stop()
	<-s.Done()
	cancel()

	var ran atomic.Bool
	s.Spawn(func() { ran.Store(true) })
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestPanicInTaskDoesNotKillLoop(t *testing.T) {
	s, _ := startShard(t)
	s.Spawn(func() { panic("boom") })

	done := make(chan struct{})
	s.Spawn(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop died after panic")
	}
}

func TestAfterFuncFires(t *testing.T) {
	s, _ := startShard(t)
	fired := make(chan struct{})
	s.AfterFunc(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerCancelPreventsFire(t *testing.T) {
	s, _ := startShard(t)
	var fired atomic.Bool
	timer := s.AfterFunc(30*time.Millisecond, func() { fired.Store(true) })
	ok := timer.Cancel()
	require.True(t, ok)

	// cancelling twice is idempotent and reports the second call as a no-op
	assert.False(t, timer.Cancel())

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestTimerCancelAfterFireIsNoop(t *testing.T) {
	s, _ := startShard(t)
	timer := s.AfterFunc(5*time.Millisecond, func() {})
	time.Sleep(40 * time.Millisecond)
	assert.False(t, timer.Cancel())
}
