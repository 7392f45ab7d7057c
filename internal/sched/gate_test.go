package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateCloseWithNoEntrantsSettlesImmediately(t *testing.T) {
	g := NewGate()
	f := g.Close()
	_, err := f.Await(context.Background())
	require.NoError(t, err)
}

func TestGateCloseWaitsForEntrants(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.Enter())
	require.NoError(t, g.Enter())

	f := g.Close()

	select {
	case <-awaitChan(f):
		t.Fatal("close future settled before all entrants left")
	case <-time.After(20 * time.Millisecond):
	}

	g.Leave()
	select {
	case <-awaitChan(f):
		t.Fatal("close future settled before all entrants left")
	case <-time.After(20 * time.Millisecond):
	}

	g.Leave()
	select {
	case <-awaitChan(f):
	case <-time.After(time.Second):
		t.Fatal("close future never settled")
	}
}

func TestGateEnterAfterCloseFails(t *testing.T) {
	g := NewGate()
	g.Close()
	err := g.Enter()
	assert.ErrorIs(t, err, ErrGateClosed)
}

func awaitChan(f *Future[struct{}]) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		f.Await(context.Background())
		close(ch)
	}()
	return ch
}
