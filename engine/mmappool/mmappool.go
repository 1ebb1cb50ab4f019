// Package mmappool implements the fixed-capacity pool of page-aligned
// buffers an instance can map into a client's address space and hand to
// one in-flight transaction at a time (spec.md §4.8, grounded on
// aiy-vision.c's mmap_buffer_reserve/_alloc/_use/_release and
// visionbonnet_find_mmap_buffer/_reserve_mmap_buffer).
package mmappool

import (
	"golang.org/x/sys/unix"

	"github.com/jangala-dev/visionspi/engine/clampx"
	"github.com/jangala-dev/visionspi/engine/errcode"
)

// Slots is the fixed pool size per instance (spec.md §3, N2 = 8).
const Slots = 8

// Refcount states, preserved verbatim from the original driver's
// mmap_buffer_t.refs: 0 free, 1 reserved/allocated, 2 in use by a
// transaction.
const (
	RefFree      = 0
	RefAllocated = 1
	RefInUse     = 2
)

var pageSize = uint64(unix.Getpagesize())

// PageSize returns the host's page size, the unit Instance.Mmap's caller
// uses to assign each buffer a distinct page-offset key.
func PageSize() uint64 { return pageSize }

// pageCount returns how many pages n bytes spans, rounding up.
func pageCount(n uint64) uint64 {
	return (n + pageSize - 1) / pageSize
}

type slot struct {
	reserved bool // sentinel: claimed by Reserve, not yet Allocated
	buffer   []byte
	length   uint32
	pgOff    uint64
	refs     int
}

// Handle identifies one pool slot (0-based, unlike txtable's 1-based wire
// ids: mmap slots are never exposed on the wire).
type Handle int

// Pool is one instance's mmap buffer pool. It holds no lock of its own:
// per spec.md §5's locking order (device → instance → slot), the owning
// instance's lock is expected to serialise every call into a Pool.
type Pool struct {
	slots [Slots]slot
}

// New returns an empty pool.
func New() *Pool { return &Pool{} }

func overlaps(s *slot, pgOff, pgCount uint64) bool {
	if s.buffer == nil {
		return false
	}
	bufLeft := s.pgOff
	bufRight := bufLeft + pageCount(uint64(s.length))
	vmaLeft := pgOff
	vmaRight := vmaLeft + pgCount
	return (bufLeft <= vmaLeft && vmaLeft < bufRight) ||
		(bufLeft < vmaRight && vmaRight <= bufRight) ||
		(vmaLeft <= bufLeft && bufRight <= vmaRight)
}

// Reserve rejects the request with InvalidArgument if the page range given
// by the target page offset and requested length overlaps any currently
// live slot's range; otherwise it claims the first free slot. The slot is
// marked reserved (buffer still nil) so a
// concurrent Reserve cannot double-claim it before Allocate runs.
func (p *Pool) Reserve(pgOff uint64, length uint32) (Handle, error) {
	pgCount := pageCount(uint64(length))
	for i := range p.slots {
		if overlaps(&p.slots[i], pgOff, pgCount) {
			return 0, errcode.InvalidArgument
		}
	}
	for i := range p.slots {
		s := &p.slots[i]
		if s.buffer == nil && !s.reserved {
			s.reserved = true
			return Handle(i), nil
		}
	}
	return 0, errcode.Busy
}

// Allocate backs a reserved slot with a real page-aligned anonymous
// mapping of max(minCapacity, length) bytes.
func (p *Pool) Allocate(h Handle, length uint32, pgOff uint64, minCapacity uint32) error {
	s := p.at(h)
	if s == nil {
		return errcode.InvalidArgument
	}
	size := clampx.Floor(length, minCapacity)
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return errcode.Fatal
	}
	s.buffer = buf
	s.length = length
	s.pgOff = pgOff
	s.refs = RefAllocated
	s.reserved = false
	return nil
}

// Use succeeds only when the slot is currently allocated (refs ==
// RefAllocated) and pgOff matches the buffer it was allocated for;
// on success it transitions to in-use and bumps the refcount.
func (p *Pool) Use(h Handle, pgOff uint64) bool {
	s := p.at(h)
	if s == nil || s.refs != RefAllocated || s.pgOff != pgOff {
		return false
	}
	s.refs = RefInUse
	return true
}

// Release drops one reference; at zero the mapping is torn down and the
// slot returns to the free pool.
func (p *Pool) Release(h Handle) error {
	s := p.at(h)
	if s == nil || s.refs == RefFree {
		return errcode.InvalidArgument
	}
	s.refs--
	if s.refs == RefFree {
		_ = unix.Munmap(s.buffer)
		s.buffer = nil
		s.length = 0
		s.pgOff = 0
	}
	return nil
}

// Find returns the first slot that succeeds Use for pgOff.
func (p *Pool) Find(pgOff uint64) (Handle, bool) {
	for i := range p.slots {
		if p.Use(Handle(i), pgOff) {
			return Handle(i), true
		}
	}
	return 0, false
}

// Buffer returns the slot's backing buffer, or nil if it has no mapping.
func (p *Pool) Buffer(h Handle) []byte {
	s := p.at(h)
	if s == nil {
		return nil
	}
	return s.buffer
}

func (p *Pool) at(h Handle) *slot {
	if h < 0 || int(h) >= Slots {
		return nil
	}
	return &p.slots[h]
}
