package fairqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, capacity int64, maxReqCount int) *Queue {
	t.Helper()
	q, err := New(Config{Capacity: capacity, MaxReqCount: maxReqCount})
	require.NoError(t, err)
	return q
}

// fillPending enqueues n weight-w requests against h. Dispatched requests
// land in pending, standing in for work a cooperative task would still be
// doing; the test driver below calls NotifyFinished on them explicitly,
// one cooperative "yield" at a time, instead of completing inline from
// inside on_dispatch (which would otherwise recurse through
// DispatchRequests and collapse an entire scenario into one call).
func fillPending(t *testing.T, q *Queue, h Handle, n int, weight int64, served map[Handle]int, pending *[]*Descriptor) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.Queue(h, weight, nil, func(desc *Descriptor, err error) {
			require.NoError(t, err)
			served[h]++
			*pending = append(*pending, desc)
		}))
	}
}

// runToCompletion alternates DispatchRequests with finishing whatever was
// just dispatched, until no more progress is possible - equivalent to a
// capacity-bounded window where every granted request completes before
// the next dispatch pass.
func runToCompletion(q *Queue, pending *[]*Descriptor) {
	for {
		n := q.DispatchRequests()
		batch := *pending
		*pending = nil
		for _, d := range batch {
			q.NotifyFinished(d)
		}
		if n == 0 && len(batch) == 0 {
			return
		}
	}
}

// runUntilServed drives the same way as runToCompletion but stops as soon
// as total reaches want, leaving remaining requests queued.
func runUntilServed(q *Queue, pending *[]*Descriptor, served map[Handle]int, classes []Handle, want int) {
	total := func() int {
		n := 0
		for _, h := range classes {
			n += served[h]
		}
		return n
	}
	for total() < want {
		n := q.DispatchRequests()
		batch := *pending
		*pending = nil
		for _, d := range batch {
			q.NotifyFinished(d)
		}
		if n == 0 && len(batch) == 0 {
			return
		}
	}
}

func TestRegisterClassRejectsZeroShares(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	_, err := q.RegisterClass(0)
	assert.ErrorIs(t, err, ErrZeroShares)
}

func TestQueueRejectsZeroWeight(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	h, err := q.RegisterClass(1)
	require.NoError(t, err)
	err = q.Queue(h, 0, nil, func(*Descriptor, error) {})
	assert.ErrorIs(t, err, ErrZeroWeight)
}

func TestQueueUnknownClassFails(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	err := q.Queue(Handle(99), 1, nil, func(*Descriptor, error) {})
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestUnregisterBusyClassFails(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	h, err := q.RegisterClass(1)
	require.NoError(t, err)
	require.NoError(t, q.Queue(h, 1, nil, func(*Descriptor, error) {}))
	assert.ErrorIs(t, q.UnregisterClass(h), ErrClassBusy)
}

func TestUnregisterIdleClassSucceeds(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	h, err := q.RegisterClass(1)
	require.NoError(t, err)
	assert.NoError(t, q.UnregisterClass(h))
	assert.ErrorIs(t, q.UnregisterClass(h), ErrUnknownClass)
}

// Scenario 1: equal shares, two classes, capacity 1.
func TestEqualSharesFairness(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	a, err := q.RegisterClass(10)
	require.NoError(t, err)
	b, err := q.RegisterClass(10)
	require.NoError(t, err)

	served := map[Handle]int{}
	var pending []*Descriptor
	fillPending(t, q, a, 100, 1, served, &pending)
	fillPending(t, q, b, 100, 1, served, &pending)
	runUntilServed(q, &pending, served, []Handle{a, b}, 100)

	assert.Equal(t, 100, served[a]+served[b])
	assert.InDelta(t, served[a], served[b], 1)
}

// Scenario 2: doubled shares.
func TestDoubledSharesFairness(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	a, err := q.RegisterClass(10)
	require.NoError(t, err)
	b, err := q.RegisterClass(20)
	require.NoError(t, err)

	served := map[Handle]int{}
	var pending []*Descriptor
	fillPending(t, q, a, 100, 1, served, &pending)
	fillPending(t, q, b, 100, 1, served, &pending)
	runUntilServed(q, &pending, served, []Handle{a, b}, 100)

	ratio := float64(served[b]) / float64(served[a])
	assert.GreaterOrEqual(t, ratio, 1.9)
	assert.LessOrEqual(t, ratio, 2.1)
}

// Scenario 3: doubled weight, equal shares.
func TestDoubledWeightFairness(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	a, err := q.RegisterClass(10)
	require.NoError(t, err)
	b, err := q.RegisterClass(10)
	require.NoError(t, err)

	served := map[Handle]int{}
	var pending []*Descriptor
	fillPending(t, q, a, 100, 2, served, &pending)
	fillPending(t, q, b, 100, 1, served, &pending)
	runUntilServed(q, &pending, served, []Handle{a, b}, 100)

	ratio := float64(served[b]) / float64(served[a])
	assert.GreaterOrEqual(t, ratio, 1.9)
	assert.LessOrEqual(t, ratio, 2.1)
}

// Scenario 4: forgiving queue - an idle class does not retain an
// unbounded credit when it re-enters a contended queue.
func TestForgivingQueueResetsIdleAccumulated(t *testing.T) {
	fixedNow := time.Now()
	q := newTestQueue(t, 1, 1)
	q.now = func() time.Time { return fixedNow }

	a, err := q.RegisterClass(10)
	require.NoError(t, err)
	b, err := q.RegisterClass(10)
	require.NoError(t, err)

	served := map[Handle]int{}
	var pending []*Descriptor
	fillPending(t, q, b, 100, 1, served, &pending)
	runToCompletion(q, &pending)
	require.Equal(t, 100, served[b])

	// Wait 500ms: both classes are now idle past idleReset.
	fixedNow = fixedNow.Add(500 * time.Millisecond)

	served = map[Handle]int{}
	fillPending(t, q, a, 100, 1, served, &pending)
	fillPending(t, q, b, 100, 1, served, &pending)
	runUntilServed(q, &pending, served, []Handle{a, b}, 100)

	assert.Equal(t, 100, served[a]+served[b])
	assert.InDelta(t, served[a], served[b], 1)
}

// Scenario 5: share swap mid-run.
func TestShareSwapMidRun(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	a, err := q.RegisterClass(20)
	require.NoError(t, err)
	b, err := q.RegisterClass(10)
	require.NoError(t, err)

	served := map[Handle]int{}
	var pending []*Descriptor
	fillPending(t, q, a, 500, 1, served, &pending)
	fillPending(t, q, b, 500, 1, served, &pending)

	runUntilServed(q, &pending, served, []Handle{a, b}, 250)

	require.NoError(t, q.UpdateShares(a, 10))
	require.NoError(t, q.UpdateShares(b, 20))

	runToCompletion(q, &pending)

	assert.Equal(t, 500, served[a])
	assert.Equal(t, 500, served[b])
}

func TestOnDispatchPanicIsCapturedAsFailure(t *testing.T) {
	q := newTestQueue(t, 10, 10)
	h, err := q.RegisterClass(1)
	require.NoError(t, err)
	require.NoError(t, q.Queue(h, 1, nil, func(*Descriptor, error) {
		panic("boom")
	}))

	n := q.DispatchRequests()
	assert.Equal(t, 1, n)

	failures := q.Failures(h)
	require.Len(t, failures, 1)
	assert.Empty(t, q.Failures(h))
}

func TestInFlightSlotHeldUntilNotifyFinishedEvenAfterPanic(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	h, err := q.RegisterClass(1)
	require.NoError(t, err)

	var desc *Descriptor
	require.NoError(t, q.Queue(h, 1, nil, func(d *Descriptor, err error) {
		desc = d
		panic("boom")
	}))
	secondDispatched := false
	require.NoError(t, q.Queue(h, 1, nil, func(*Descriptor, error) {
		secondDispatched = true
	}))

	require.Equal(t, 1, q.DispatchRequests())
	require.NotNil(t, desc)
	assert.Equal(t, 0, q.DispatchRequests())
	assert.False(t, secondDispatched)

	n := q.NotifyFinished(desc)
	assert.Equal(t, 1, n)
	assert.True(t, secondDispatched)
}

func TestNotifyFinishedFreesWindowAndRedispatches(t *testing.T) {
	q := newTestQueue(t, 1, 1)
	h, err := q.RegisterClass(1)
	require.NoError(t, err)

	var descs []*Descriptor
	for i := 0; i < 2; i++ {
		require.NoError(t, q.Queue(h, 1, nil, func(d *Descriptor, err error) {
			descs = append(descs, d)
		}))
	}

	n := q.DispatchRequests()
	require.Equal(t, 1, n)
	require.Len(t, descs, 1)

	// second request is blocked on capacity until the first finishes
	n = q.DispatchRequests()
	assert.Equal(t, 0, n)

	n = q.NotifyFinished(descs[0])
	assert.Equal(t, 1, n)
	require.Len(t, descs, 2)
}
