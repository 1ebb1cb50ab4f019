// Package readysignal tracks the slave-ready GPIO line the Myriad side
// pulses low when it has a response (or boot-ack) waiting. The line is
// edge-triggered, not level-sensed: the ISR sets an atomic flag on every
// falling edge, unconditionally and without debounce, and a waiter
// consumes it with a single atomic swap-to-zero. Several edges arriving
// before anything consumes the flag collapse into one observed assertion;
// that collapsing is the documented behaviour, not a bug to fix (spec.md
// Design Notes §9).
package readysignal

import (
	"context"
	"sync/atomic"

	"github.com/jangala-dev/visionspi/engine/iface"
)

// Watcher observes a single IRQ-capable pin and maintains the slave-ready
// flag the original driver keeps as an atomic_t plus wait-queue.
type Watcher struct {
	pin iface.IRQPin

	flag    int32         // atomic 0/1, set by the ISR, consumed by a waiter
	wake    chan struct{} // depth 1, coalesced wake for waiters
	started int32
}

// New returns a Watcher for pin. Start must be called before the falling
// edge on pin can set the flag.
func New(pin iface.IRQPin) *Watcher {
	return &Watcher{pin: pin, wake: make(chan struct{}, 1)}
}

// Start arms the falling-edge interrupt. Calling it twice without an
// intervening Stop is a no-op.
func (w *Watcher) Start() error {
	if !atomic.CompareAndSwapInt32(&w.started, 0, 1) {
		return nil
	}
	return w.pin.SetIRQ(iface.EdgeFalling, func() {
		atomic.StoreInt32(&w.flag, 1)
		select {
		case w.wake <- struct{}{}:
		default:
		}
	})
}

// Stop disarms the interrupt.
func (w *Watcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&w.started, 1, 0) {
		return nil
	}
	return w.pin.ClearIRQ()
}

// Consume atomically reads and clears the flag, reporting whether it was
// set. Every SPI chunk must call this before proceeding.
func (w *Watcher) Consume() bool {
	return atomic.SwapInt32(&w.flag, 0) != 0
}

// WaitUntilReady blocks until the flag is set (consuming it) or ctx is
// done. It checks the flag up front so a caller racing an already-pending
// assertion doesn't miss it, and otherwise parks on the coalesced wake
// channel, re-checking the flag on each wake since a wake only means "an
// edge happened since we last looked", not "the flag is still set".
func (w *Watcher) WaitUntilReady(ctx context.Context) error {
	if w.Consume() {
		return nil
	}
	for {
		select {
		case <-w.wake:
			if w.Consume() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
