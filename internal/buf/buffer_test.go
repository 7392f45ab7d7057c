package buf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInline(t *testing.T) {
	b, err := New(10)
	require.NoError(t, err)
	assert.Equal(t, 10, b.Len())
	assert.Len(t, b.Front(), 10)
	assert.Nil(t, b.chunks)
}

func TestNewChunked(t *testing.T) {
	b, err := New(ChunkSize*2 + 5)
	require.NoError(t, err)
	assert.Equal(t, ChunkSize*2+5, b.Len())
	assert.Len(t, b.chunks, 3)
	assert.Len(t, b.Front(), ChunkSize)
}

func TestTrimFrontWithinChunk(t *testing.T) {
	b, err := New(100)
	require.NoError(t, err)
	b.TrimFront(40)
	assert.Equal(t, 60, b.Len())
	assert.Len(t, b.Front(), 60)
}

func TestTrimFrontAcrossChunks(t *testing.T) {
	b, err := New(ChunkSize + 100)
	require.NoError(t, err)
	b.TrimFront(ChunkSize + 50)
	assert.Equal(t, 50, b.Len())
	// collapsed back to inline representation
	assert.Nil(t, b.chunks)
}

func TestTrimFrontExactChunkBoundaryDropsChunk(t *testing.T) {
	b, err := New(ChunkSize*3 - 1)
	require.NoError(t, err)
	require.Len(t, b.chunks, 3)
	b.TrimFront(ChunkSize)
	assert.Len(t, b.chunks, 2)
}

func TestTrimFrontBeyondLengthPanics(t *testing.T) {
	b, err := New(10)
	require.NoError(t, err)
	assert.Panics(t, func() { b.TrimFront(11) })
}

func TestShareAliasesStorageIndependentRelease(t *testing.T) {
	b, err := New(16)
	require.NoError(t, err)
	var released int
	b.WithReleaser(func() { released++ })

	share := b.Share()
	assert.Equal(t, b.Len(), share.Len())

	share.Release()
	assert.Equal(t, 0, released, "first release of two shouldn't fire the deleter")

	b.Release()
	assert.Equal(t, 1, released, "last release should fire the deleter exactly once")
}

func TestUnsharedReleaseIsNoop(t *testing.T) {
	b, err := New(8)
	require.NoError(t, err)
	var released bool
	b.WithReleaser(func() { released = true })
	b.Release()
	assert.False(t, released, "a buffer that was never Shared behaves like a move: no refcount overhead")
}

func TestFromBytesAndBytes(t *testing.T) {
	p := []byte("hello world")
	b := FromBytes(p)
	assert.Equal(t, len(p), b.Len())
	assert.Equal(t, p, b.Bytes())
}

func TestNewNegativeSize(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)
}
