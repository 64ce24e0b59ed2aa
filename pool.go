package hmap

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Ref is a weak handle to a block handed out by a Pool.
//
// The low 32 bits hold the block index plus one, so the zero Ref never
// refers to a block. The high 32 bits hold the generation the block had
// when it was allocated; releasing a block bumps its generation, which
// turns every Ref to it stale.
type Ref uint64

const nilRef Ref = 0

//go:nosplit
func makeRef(idx int, gen uint32) Ref {
	return Ref(uint64(gen)<<32 | uint64(uint32(idx+1)))
}

//go:nosplit
func (r Ref) index() int { return int(uint32(r)) - 1 }

//go:nosplit
func (r Ref) gen() uint32 { return uint32(r >> 32) }

// IsNil reports whether r is the zero handle.
func (r Ref) IsNil() bool { return r == nilRef }

type poolBlock[T any] struct {
	val  T
	gen  uint32
	used bool
}

// Pool is a fixed-size block allocator.
//
// A reserved arena of blocks is carved out up front; once every arena block
// is in use, further blocks are allocated individually from the Go heap.
// Released blocks of either kind go to a LIFO free list and are reused
// before anything new is allocated. Blocks never move, so a pointer
// obtained through Get stays valid until the block is released.
//
// A Pool is not safe for concurrent use.
type Pool[T any] struct {
	arena    []poolBlock[T]
	heap     []*poolBlock[T]
	free     []int32
	bump     int // arena blocks handed out at least once
	inUse    int
	logger   *zap.Logger
	fellBack bool
}

// BlockSize returns the number of bytes one block of a Pool[T] occupies.
func BlockSize[T any]() uintptr {
	return unsafe.Sizeof(poolBlock[T]{})
}

// NewPool creates a pool whose arena spans reserveBytes, rounded up to a
// multiple of CacheLineSize. A non-positive reservation yields a pool that
// allocates every block from the heap. A nil logger disables logging.
func NewPool[T any](reserveBytes int, logger *zap.Logger) *Pool[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool[T]{logger: logger}
	if reserveBytes > 0 {
		line := int(CacheLineSize)
		reserveBytes = (reserveBytes + line - 1) / line * line
		if n := reserveBytes / int(BlockSize[T]()); n > 0 {
			p.arena = make([]poolBlock[T], n)
		}
	}
	return p
}

func (p *Pool[T]) block(idx int) *poolBlock[T] {
	if idx < len(p.arena) {
		return &p.arena[idx]
	}
	return p.heap[idx-len(p.arena)]
}

// Allocate hands out a zeroed block and returns its handle.
func (p *Pool[T]) Allocate() Ref {
	var idx int
	switch {
	case len(p.free) > 0:
		idx = int(p.free[len(p.free)-1])
		p.free = p.free[:len(p.free)-1]
	case p.bump < len(p.arena):
		idx = p.bump
		p.bump++
	default:
		if !p.fellBack {
			p.fellBack = true
			p.logger.Info("pool arena exhausted, falling back to heap blocks",
				zap.Int("arenaBlocks", len(p.arena)),
				zap.Uintptr("blockSize", BlockSize[T]()))
		}
		p.heap = append(p.heap, new(poolBlock[T]))
		idx = len(p.arena) + len(p.heap) - 1
	}
	b := p.block(idx)
	b.used = true
	p.inUse++
	return makeRef(idx, b.gen)
}

// Deallocate returns the block behind r to the pool. Releasing a block
// twice, or through a stale handle, panics with ErrStaleRef.
func (p *Pool[T]) Deallocate(r Ref) {
	b := p.lookup(r)
	if b == nil {
		panic(errors.Wrapf(ErrStaleRef, "deallocate block %d gen %d", r.index(), r.gen()))
	}
	b.val = *new(T)
	b.used = false
	b.gen++
	p.free = append(p.free, int32(r.index()))
	p.inUse--
}

func (p *Pool[T]) lookup(r Ref) *poolBlock[T] {
	if p == nil || r == nilRef {
		return nil
	}
	idx := r.index()
	if idx < 0 || idx >= len(p.arena)+len(p.heap) {
		return nil
	}
	b := p.block(idx)
	if !b.used || b.gen != r.gen() {
		return nil
	}
	return b
}

// Get returns the value stored in the block behind r, or nil when r is
// nil or stale.
func (p *Pool[T]) Get(r Ref) *T {
	if b := p.lookup(r); b != nil {
		return &b.val
	}
	return nil
}

// Valid reports whether r refers to a live block of p.
func (p *Pool[T]) Valid(r Ref) bool {
	return p.lookup(r) != nil
}

// at is Get for handles the caller knows to be live.
func (p *Pool[T]) at(r Ref) *T {
	b := p.lookup(r)
	if b == nil {
		panic(errors.Wrapf(ErrStaleRef, "access block %d gen %d", r.index(), r.gen()))
	}
	return &b.val
}

// Len returns the number of blocks currently handed out.
func (p *Pool[T]) Len() int {
	if p == nil {
		return 0
	}
	return p.inUse
}

// Stats returns a snapshot of the pool's block accounting.
func (p *Pool[T]) Stats() PoolStats {
	if p == nil {
		return PoolStats{}
	}
	s := PoolStats{
		BlockSize:   int(BlockSize[T]()),
		ArenaBlocks: len(p.arena),
		HeapBlocks:  len(p.heap),
		InUse:       p.inUse,
		Free:        len(p.free),
	}
	for i := 0; i < p.bump; i++ {
		if p.arena[i].used {
			s.ArenaInUse++
		}
	}
	return s
}

// PoolStats is Pool statistics.
type PoolStats struct {
	// BlockSize is the size of one block in bytes.
	BlockSize int
	// ArenaBlocks is the number of blocks reserved up front.
	ArenaBlocks int
	// ArenaInUse is the number of arena blocks currently handed out.
	ArenaInUse int
	// HeapBlocks is the number of blocks allocated after the arena ran out.
	HeapBlocks int
	// InUse is the number of blocks currently handed out.
	InUse int
	// Free is the number of released blocks waiting for reuse.
	Free int
}

// ToString returns string representation of pool stats.
func (s PoolStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("PoolStats{\n")
	sb.WriteString(fmt.Sprintf("BlockSize:    %d\n", s.BlockSize))
	sb.WriteString(fmt.Sprintf("ArenaBlocks:  %d\n", s.ArenaBlocks))
	sb.WriteString(fmt.Sprintf("ArenaInUse:   %d\n", s.ArenaInUse))
	sb.WriteString(fmt.Sprintf("HeapBlocks:   %d\n", s.HeapBlocks))
	sb.WriteString(fmt.Sprintf("InUse:        %d\n", s.InUse))
	sb.WriteString(fmt.Sprintf("Free:         %d\n", s.Free))
	sb.WriteString("}\n")
	return sb.String()
}
