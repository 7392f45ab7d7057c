package rpc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGroupSubmitRunsOffCaller(t *testing.T) {
	g := NewGroup("test", 2)
	callerGoroutine := make(chan struct{})
	ran := make(chan struct{})
	go func() {
		close(callerGoroutine)
		g.Submit(func() { close(ran) })
	}()
	<-callerGoroutine
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("Submit never ran fn")
	}
}

func TestGroupSubmitNeverBlocksCaller(t *testing.T) {
	g := NewGroup("test", 1)
	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	g.Submit(func() {
		defer wg.Done()
		<-block
	})

	// The single worker is now occupied; every further Submit must still
	// return immediately via the goroutine fallback rather than blocking
	// on a full work channel.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			g.Submit(func() {})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked while the group's worker was busy")
	}
	close(block)
	wg.Wait()
}

func TestGroupName(t *testing.T) {
	g := NewGroup("isolation-a", 1)
	assert.Equal(t, "isolation-a", g.Name())
}
