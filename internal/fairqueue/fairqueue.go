// Package fairqueue implements the weighted fair queue (C3): a priority
// class scheduler that admits requests into a fixed-capacity dispatch
// window, dividing long-run throughput in proportion to each class's
// shares via virtual-time ordering.
//
// A Queue is owned by exactly one internal/sched.Shard, the same
// single-writer discipline Shard itself uses for its task queue and timer
// heap: every exported method must only be called from a task running on
// the owning shard (or before the shard starts receiving other traffic).
// Cross-shard callers go through the owning shard's Spawn/Registry, same as
// any other shard-local state per the "shared resources" rule governing
// this runtime. This mirrors catrate.Limiter's per-category state design
// (joeycumines-go-utilpkg/catrate/limiter.go) adapted from a sync.Map of
// independently-locked ring buffers to a single-owner slice of classes,
// since here the single shard goroutine is already the serialization point
// and per-class locking would be redundant.
package fairqueue

import (
	"errors"
	"time"
)

// Errors returned by Queue's public methods.
var (
	ErrZeroShares      = errors.New("fairqueue: shares must be positive")
	ErrZeroWeight      = errors.New("fairqueue: request weight must be positive")
	ErrClassBusy       = errors.New("fairqueue: class has queued or in-flight requests")
	ErrUnknownClass    = errors.New("fairqueue: unknown class handle")
	ErrInvalidCapacity = errors.New("fairqueue: capacity and max_req_count must be positive")
)

// Handle identifies a registered class. The zero Handle is never issued.
type Handle int

// idleReset is how long a class may sit with no queued or in-flight work
// before it is considered to have "left" the accounting window; per spec
// §4.3 this bounds the head-start an idle class can accumulate to roughly
// one request's worth, rather than letting accumulated freeze in place
// indefinitely low relative to busy classes.
const idleReset = 250 * time.Millisecond

// Descriptor is the request-scoped handle threaded through queue,
// on_dispatch, and notify_requests_finished. Descriptors are opaque to
// callers; NotifyFinished consumes the one returned by a dispatch.
type Descriptor struct {
	class  *class
	weight int64
}

type request struct {
	weight     int64
	tag        any
	onDispatch func(*Descriptor, error)
}

type class struct {
	handle      Handle
	shares      int64
	accumulated float64
	queue       []*request
	inFlight    int
	lastActive  time.Time
	order       int // stable registration order, for accumulated ties
}

// Queue is a weighted fair queue scheduler. The zero value is not usable;
// construct one with New.
type Queue struct {
	capacity    int64
	maxReqCount int

	classes    []*class
	nextHandle Handle
	nextOrder  int

	inFlightCost  int64
	inFlightCount int

	// failures accumulates on_dispatch panics/errors per class, per spec
	// §4.3's "the fair queue itself does not fail" contract: a bad
	// callback is captured here rather than propagated to the caller of
	// dispatch_requests.
	failures map[Handle][]error

	now func() time.Time // overridable for tests
}

// Config bundles the two admission caps described in spec §4.3. capacity
// and max_req_count are deliberately kept distinct in the API even though
// present callers set them equal (see the open questions in DESIGN.md):
// a future caller that needs to separate the in-flight-cost cap from the
// in-flight-count cap does not need an API change.
type Config struct {
	Capacity    int64
	MaxReqCount int
}

// New creates a Queue with the given admission window.
func New(cfg Config) (*Queue, error) {
	if cfg.Capacity <= 0 || cfg.MaxReqCount <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Queue{
		capacity:    cfg.Capacity,
		maxReqCount: cfg.MaxReqCount,
		failures:    make(map[Handle][]error),
		now:         time.Now,
	}, nil
}

// RegisterClass inserts a class with the given shares, returning its
// handle. Shares must be a positive integer weight (minimum 1).
func (q *Queue) RegisterClass(shares int64) (Handle, error) {
	if shares <= 0 {
		return 0, ErrZeroShares
	}
	q.nextHandle++
	h := q.nextHandle
	q.nextOrder++
	q.classes = append(q.classes, &class{
		handle:     h,
		shares:     shares,
		lastActive: q.now(),
		order:      q.nextOrder,
	})
	return h, nil
}

// UnregisterClass removes a class. Forbidden while it has queued or
// in-flight requests; callers must drain first.
func (q *Queue) UnregisterClass(h Handle) error {
	i, c := q.find(h)
	if c == nil {
		return ErrUnknownClass
	}
	if len(c.queue) > 0 || c.inFlight > 0 {
		return ErrClassBusy
	}
	q.classes = append(q.classes[:i], q.classes[i+1:]...)
	delete(q.failures, h)
	return nil
}

// UpdateShares changes a class's shares, effective immediately for future
// dispatch decisions. Per DESIGN.md's resolution of the "share updates
// vs in-flight accounting" open question: accumulated virtual time is left
// untouched by this call. A class that lowers its shares while holding a
// lead keeps that lead; it simply advances faster (accrues more virtual
// time per unit of work) on every dispatch from here on, so the lead is
// worked off going forward rather than rewritten retroactively.
func (q *Queue) UpdateShares(h Handle, shares int64) error {
	if shares <= 0 {
		return ErrZeroShares
	}
	_, c := q.find(h)
	if c == nil {
		return ErrUnknownClass
	}
	c.shares = shares
	return nil
}

// Queue enqueues a request of the given weight against class h.
// on_dispatch is invoked exactly once, with a nil error, when
// DispatchRequests grants the request. A queued request is never dropped:
// a class cannot be removed from under it, since UnregisterClass forbids
// that while requests are queued.
func (q *Queue) Queue(h Handle, weight int64, tag any, onDispatch func(*Descriptor, error)) error {
	if weight <= 0 {
		return ErrZeroWeight
	}
	_, c := q.find(h)
	if c == nil {
		return ErrUnknownClass
	}
	q.resetIfIdle(c)
	c.queue = append(c.queue, &request{weight: weight, tag: tag, onDispatch: onDispatch})
	return nil
}

// resetIfIdle implements the "forgiving" behavior from spec §4.3: a class
// with no queued or in-flight work for longer than idleReset has its
// accumulated virtual time reset to the current minimum across active
// classes (or zero, if none are active) before it re-enters contention, so
// it gains at most about one request's worth of head-start rather than
// an unbounded credit built up while it sat idle.
func (q *Queue) resetIfIdle(c *class) {
	if len(c.queue) > 0 || c.inFlight > 0 {
		return
	}
	if q.now().Sub(c.lastActive) < idleReset {
		return
	}
	min, any := q.minAccumulated()
	if any {
		c.accumulated = min
	} else {
		c.accumulated = 0
	}
}

func (q *Queue) minAccumulated() (min float64, any bool) {
	for _, c := range q.classes {
		if len(c.queue) == 0 && c.inFlight == 0 {
			continue
		}
		if !any || c.accumulated < min {
			min, any = c.accumulated, true
		}
	}
	return
}

// DispatchRequests grants as many queued requests as the current window
// allows, in virtual-time order, and returns how many were dispatched.
// Called from the owning shard's task loop - typically once per loop
// iteration, or whenever NotifyFinished frees a slot.
func (q *Queue) DispatchRequests() int {
	dispatched := 0
	for {
		if q.inFlightCost >= q.capacity || q.inFlightCount >= q.maxReqCount {
			break
		}
		c := q.pickClass()
		if c == nil {
			break
		}
		req := c.queue[0]
		c.queue = c.queue[1:]

		c.accumulated += float64(req.weight) / float64(c.shares)
		c.inFlight++
		c.lastActive = q.now()
		q.inFlightCost += req.weight
		q.inFlightCount++

		desc := &Descriptor{class: c, weight: req.weight}
		q.invokeOnDispatch(c.handle, req.onDispatch, desc)
		dispatched++
	}
	if dispatched > 0 {
		q.normalize()
	}
	return dispatched
}

// invokeOnDispatch runs a class's callback with panic isolation, per spec
// §4.3's "captured and reported via a per-class failure list" contract -
// mirroring Shard.safeExecute's recover-and-log pattern, but recording
// into this class's failure list instead of a logger, since the fair
// queue has no logger of its own and the caller decides how to surface
// Failures.
func (q *Queue) invokeOnDispatch(h Handle, onDispatch func(*Descriptor, error), desc *Descriptor) {
	defer func() {
		if r := recover(); r != nil {
			err := panicError{r}
			q.failures[h] = append(q.failures[h], err)
		}
	}()
	onDispatch(desc, nil)
}

type panicError struct{ v any }

func (p panicError) Error() string { return "fairqueue: on_dispatch panicked" }

// Unwrap exposes the recovered value for callers that want it, without
// forcing every panicError through a string.
func (p panicError) Unwrap() error {
	if err, ok := p.v.(error); ok {
		return err
	}
	return nil
}

// pickClass selects the non-empty class with smallest accumulated virtual
// time, breaking ties by stable registration order (spec §4.3 step 2).
func (q *Queue) pickClass() *class {
	var best *class
	for _, c := range q.classes {
		if len(c.queue) == 0 {
			continue
		}
		if best == nil ||
			c.accumulated < best.accumulated ||
			(c.accumulated == best.accumulated && c.order < best.order) {
			best = c
		}
	}
	return best
}

// normalize subtracts the minimum accumulated value across active classes
// from every active class, once per dispatch pass (spec §4.3 step 4),
// bounding unbounded drift in a long-running queue without disturbing the
// relative ordering that drives selection.
func (q *Queue) normalize() {
	min, any := q.minAccumulated()
	if !any || min == 0 {
		return
	}
	for _, c := range q.classes {
		if len(c.queue) == 0 && c.inFlight == 0 {
			continue
		}
		c.accumulated -= min
	}
}

// NotifyFinished returns desc's in-flight cost to the window and decrements
// its class's in-flight counter, then re-runs admission (spec §4.3 step 5).
// Returns the number of requests dispatched as a result.
func (q *Queue) NotifyFinished(desc *Descriptor) int {
	desc.class.inFlight--
	desc.class.lastActive = q.now()
	q.inFlightCost -= desc.weight
	q.inFlightCount--
	return q.DispatchRequests()
}

// Failures returns and clears the accumulated on_dispatch failures for
// class h.
func (q *Queue) Failures(h Handle) []error {
	errs := q.failures[h]
	delete(q.failures, h)
	return errs
}

// find locates a registered class by handle. Served/throughput metrics are
// not tracked here; callers that need them (including tests asserting the
// fairness ratios) count their own on_dispatch invocations.
func (q *Queue) find(h Handle) (int, *class) {
	for i, c := range q.classes {
		if c.handle == h {
			return i, c
		}
	}
	return -1, nil
}
