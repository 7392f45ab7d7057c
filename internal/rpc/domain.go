package rpc

import (
	"context"
	"errors"
	"sync"

	"github.com/shardfq/shardfq/internal/sched"
)

// ErrUnknownDomain is returned when a streaming domain has no server
// registered on the addressed shard.
var ErrUnknownDomain = errors.New("rpc: unknown streaming domain")

// DomainRegistry replaces the "global mutable streaming_domain -> server
// map" spec §9 flags for re-architecture: it is still one process-wide
// table, but every entry is scoped to the shard that owns it, and every
// lookup from outside that shard goes through reg (internal/sched's
// cross-shard submission mechanism) rather than reading another shard's
// memory directly. Registration itself only ever happens once per server
// at startup, well before any cross-shard traffic exists, so the table's
// own mutex never contends with steady-state request handling.
type DomainRegistry struct {
	reg *sched.Registry

	mu      sync.Mutex
	byShard map[int]map[string]*Server
}

// NewDomainRegistry wraps reg, which DomainRegistry uses for every
// cross-shard lookup (spec §4.5.5: "via cross-shard submit").
func NewDomainRegistry(reg *sched.Registry) *DomainRegistry {
	return &DomainRegistry{reg: reg, byShard: make(map[int]map[string]*Server)}
}

// Register associates domain with s on s's own shard. Called once, from
// NewServer, during startup.
func (d *DomainRegistry) Register(domain string, s *Server) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byShard[s.shard.ID()]
	if !ok {
		m = make(map[string]*Server)
		d.byShard[s.shard.ID()] = m
	}
	m[domain] = s
}

// Lookup resolves domain on the given shard, via that shard's own
// Registry.Submit so the read is serialized the same way any other
// cross-shard operation in this runtime is (spec §4.5.5).
func (d *DomainRegistry) Lookup(ctx context.Context, shardID int, domain string) (*Server, error) {
	v, err := d.reg.SubmitAwait(ctx, shardID, func() (any, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		m, ok := d.byShard[shardID]
		if !ok {
			return nil, ErrUnknownDomain
		}
		s, ok := m[domain]
		if !ok {
			return nil, ErrUnknownDomain
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Server), nil
}
