package rpc

import "encoding/binary"

// ConnID is the 128-bit stream-child connection id from spec §4.5.5,
// whose upper 16 bits encode the owning shard. It is a plain value type
// (not a pointer) so it can be used directly as a map key in a parent's
// children table.
type ConnID [16]byte

// NewConnID packs a shard id into the upper 16 bits and a per-shard local
// id into the remainder, matching spec §4.5.5's "128-bit id whose upper
// 16 bits encode the parent's shard".
func NewConnID(shard int, local uint64) ConnID {
	var id ConnID
	binary.BigEndian.PutUint16(id[0:2], uint16(shard))
	binary.BigEndian.PutUint64(id[8:16], local)
	return id
}

// Shard extracts the owning shard id encoded in id.
func (id ConnID) Shard() int {
	return int(binary.BigEndian.Uint16(id[0:2]))
}

// Local extracts the per-shard local id encoded in id.
func (id ConnID) Local() uint64 {
	return binary.BigEndian.Uint64(id[8:16])
}
