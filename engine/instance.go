package engine

import (
	"context"
	"sync"

	"github.com/jangala-dev/visionspi/engine/errcode"
	"github.com/jangala-dev/visionspi/engine/mmappool"
)

// MmapBuffer is a client-visible handle on one page-backed buffer drawn
// from an Instance's pool (spec.md §3's mmap buffer record, §4.8).
type MmapBuffer struct {
	inst   *Instance
	handle mmappool.Handle
	pgOff  uint64
	Bytes  []byte
}

// Release tears the buffer down once both the client and any in-flight
// transaction using it have let go (spec.md §4.8's use/release
// refcount); call it when the client is done with the mapping, mirroring
// a real mmap's vma-close hook.
func (b *MmapBuffer) Release() error {
	return b.inst.pool.Release(b.handle)
}

// Instance is one open handle on a Device, each owning its own 8-slot
// mmap buffer pool (spec.md §3's "Per-open instance", §4.12).
type Instance struct {
	mu     sync.Mutex
	dev    *Device
	pool   *mmappool.Pool
	nextPg uint64
}

// NewInstance opens a fresh Instance against the device, analogous to
// opening the character device (spec.md §4.12's Open).
func (d *Device) NewInstance() *Instance {
	return &Instance{dev: d, pool: mmappool.New()}
}

// Close releases the instance; any buffer the client did not already
// Release is abandoned (a client bug per spec.md Design Notes, not
// defended against beyond the refcount check mmappool already does).
func (i *Instance) Close() error { return nil }

// Mmap reserves and allocates a fresh page-backed buffer of length bytes
// (spec.md §4.12's mmap operation): reserve a free slot keyed by a
// monotonically assigned page offset, then back it with a real
// page-aligned mapping sized to at least transport.MaxChunk. The slot is
// left at RefAllocated, mapped into the client's address space but not
// yet claimed by any transaction; SubmitMmap takes the in-use reference
// itself for the duration of one exchange.
func (i *Instance) Mmap(length int) (*MmapBuffer, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	pgOff := i.nextPg
	h, err := i.pool.Reserve(pgOff, uint32(length))
	if err != nil {
		return nil, err
	}
	if err := i.pool.Allocate(h, uint32(length), pgOff, minMmapCapacity); err != nil {
		return nil, err
	}
	i.nextPg += pageSpan(uint64(length))

	return &MmapBuffer{inst: i, handle: h, pgOff: pgOff, Bytes: i.pool.Buffer(h)}, nil
}

// minMmapCapacity mirrors the transaction table's floor: every mmap
// buffer is grown to at least one SPI chunk (spec.md §3).
const minMmapCapacity = 4095

func pageSpan(length uint64) uint64 {
	ps := mmappool.PageSize()
	return (length + ps - 1) / ps
}

// SubmitMmap runs spec.md §4.11's mmap variant: the request payload is
// taken from buf.Bytes when req.Payload is nil, the transaction's buffer
// length is len(buf.Bytes), and any response payload is copied back into
// buf.Bytes, with Response.Payload aliasing that region. The payload still
// passes through Submit, so it is copied into and out of the transaction
// slot as for any other submit. It takes the pool's in-use reference on
// buf for the duration of the exchange (the pool's Use/Release pairing)
// and releases it back to RefAllocated again
// before returning, leaving buf mapped and reusable for a later submit;
// a concurrent Use of the same slot is rejected while one exchange is
// in flight (spec.md §4.8).
func (i *Instance) SubmitMmap(ctx context.Context, buf *MmapBuffer, req Request) (Response, error) {
	if buf == nil || buf.inst != i {
		return Response{}, &errcode.E{Op: "submit_mmap", C: errcode.InvalidArgument}
	}

	i.mu.Lock()
	if !i.pool.Use(buf.handle, buf.pgOff) {
		i.mu.Unlock()
		return Response{}, &errcode.E{Op: "submit_mmap", C: errcode.Busy}
	}
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		_ = i.pool.Release(buf.handle)
		i.mu.Unlock()
	}()

	payload := req.Payload
	if payload == nil {
		payload = buf.Bytes
	}

	resp, err := i.dev.Submit(ctx, Request{Flags: req.Flags, Payload: payload, BufferLen: len(buf.Bytes)})
	if resp.Payload != nil {
		n := copy(buf.Bytes, resp.Payload)
		resp.Payload = buf.Bytes[:n]
	}
	return resp, err
}
