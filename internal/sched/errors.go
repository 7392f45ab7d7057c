package sched

import "errors"

// ErrNoSuchShard is returned by Registry.Submit when the target index is
// out of range.
var ErrNoSuchShard = errors.New("sched: no such shard")
