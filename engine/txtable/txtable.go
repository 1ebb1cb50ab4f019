// Package txtable implements the fixed-capacity transaction slot pool: a
// reference-counted array of buffers, indexed by wire transaction id minus
// one, with per-slot state flags and a device-wide condition broadcast on
// every flag change (spec.md §4.7, grounded on aiy-vision.c's
// transaction_alloc/_unref/_set_flags/_done_waiting).
package txtable

import (
	"sync"
	"time"

	"github.com/jangala-dev/visionspi/engine/clampx"
	"github.com/jangala-dev/visionspi/engine/errcode"
)

// Slots is the fixed pool size (spec.md §3, N1 = 16).
const Slots = 16

// Flag bits recorded against a live transaction.
type Flags uint32

const (
	FlagAcked    Flags = 1 << 0
	FlagResponse Flags = 1 << 1
	FlagError    Flags = 1 << 2
	FlagTimeout  Flags = 1 << 3
	FlagOverflow Flags = 1 << 4
)

// Slot is one transaction record. A slot is free iff Buffer is nil; all
// other fields are meaningless in that state.
type Slot struct {
	mu sync.Mutex
	// Buffer is always grown to at least minCapacity (spec.md §3); the
	// user-requested size is recorded separately in capacity so that an
	// oversized response is measured against what the caller actually
	// asked for, not against the allocation floor's padding.
	Buffer     []byte
	capacity   int
	PayloadLen int
	flags      Flags
	refs       int32
}

// Table is the pool of Slots plus the device-wide condition the submit
// path waits on. Index i's wire transaction id is i+1.
type Table struct {
	mu    sync.Mutex // guards slot allocation/refcount and list membership
	cond  *sync.Cond
	slots [Slots]Slot
}

// New returns an empty table.
func New() *Table {
	t := &Table{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// TID is the wire transaction id; valid ids are 1..Slots.
type TID int

// Alloc finds the first free slot, grows its buffer to
// max(minCapacity, capacity) and returns its id with refcount 1. Returns
// errcode.Busy if every slot is occupied.
func (t *Table) Alloc(capacity, minCapacity int) (TID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		s := &t.slots[i]
		if s.Buffer == nil {
			s.Buffer = make([]byte, clampx.Floor(capacity, minCapacity))
			s.capacity = capacity
			s.PayloadLen = 0
			s.flags = 0
			s.refs = 1
			return TID(i + 1), nil
		}
	}
	return 0, errcode.Busy
}

func (t *Table) slot(id TID) *Slot {
	if id < 1 || int(id) > Slots {
		return nil
	}
	return &t.slots[id-1]
}

// Ref increments a slot's refcount under the table's own lock, which
// stands in for the device lock here.
func (t *Table) Ref(id TID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(id)
	if s == nil || s.Buffer == nil {
		return
	}
	s.refs++
}

// Unref decrements a slot's refcount; at zero the buffer is released and
// the slot returns to the free pool.
func (t *Table) Unref(id TID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(id)
	if s == nil || s.Buffer == nil {
		return
	}
	s.refs--
	if s.refs <= 0 {
		s.Buffer = nil
		s.capacity = 0
		s.PayloadLen = 0
		s.flags = 0
		s.refs = 0
	}
}

// SetFlags ORs bits into the slot's flags under its own mutex, then
// broadcasts the table-wide condition so any submit waiting on this or any
// other slot re-evaluates DoneWaiting.
func (t *Table) SetFlags(id TID, bits Flags) {
	t.mu.Lock()
	s := t.slot(id)
	if s == nil {
		t.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.flags |= bits
	s.mu.Unlock()
	t.mu.Unlock()
	t.cond.Broadcast()
}

// SetPayloadLen records the number of valid bytes currently in the slot's
// buffer (request length on submit, response length on completion, 0 on
// any cancel/error path that carries no response payload).
func (t *Table) SetPayloadLen(id TID, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.PayloadLen = n
	s.mu.Unlock()
}

// Flags returns the slot's current flags.
func (t *Table) Flags(id TID) Flags {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(id)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// Buffer returns the slot's backing buffer and current payload length.
// The caller must not retain a reference once Unref drops the slot's
// refcount to zero.
func (t *Table) Buffer(id TID) ([]byte, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(id)
	if s == nil {
		return nil, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Buffer, s.PayloadLen
}

// ResponseCap returns the buffer capacity ReceivePayload should measure a
// response against: the caller's originally requested size, not the
// padded allocation backing it (spec.md §4.5's overflow check).
func (t *Table) ResponseCap(id TID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(id)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// DoneWaiting reports whether a slot has every bit in required set, or
// has the error bit set regardless (spec.md §4.7).
func (t *Table) DoneWaiting(id TID, required Flags) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slot(id)
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.flags&required) == required || s.flags&FlagError != 0
}

// WaitTimeout blocks on the table-wide condition until DoneWaiting(id,
// required) holds or timeout elapses, mirroring the original driver's
// wait_event_interruptible_timeout on the transaction condition. It
// returns the slot's final flags and whether it woke because the
// deadline passed rather than because the condition was satisfied.
func (t *Table) WaitTimeout(id TID, required Flags, timeout time.Duration) (flags Flags, timedOut bool) {
	deadline := time.AfterFunc(timeout, t.cond.Broadcast)
	defer deadline.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	for {
		s := t.slot(id)
		if s == nil {
			return 0, false
		}
		s.mu.Lock()
		done := (s.flags&required) == required || s.flags&FlagError != 0
		flags = s.flags
		s.mu.Unlock()
		if done {
			return flags, false
		}
		if time.Since(start) >= timeout {
			return flags, true
		}
		t.cond.Wait()
	}
}
