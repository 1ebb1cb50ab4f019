// Package enginetest provides in-memory fakes for the hardware interfaces
// in engine/iface, plus a configurable simulated Myriad slave used by the
// protocol, dispatcher and device-level tests.
package enginetest

import (
	"sync"
	"time"

	"github.com/jangala-dev/visionspi/engine/iface"
)

// GPIOPin is a fake digital line. Every level written via Set is appended
// to Pulses so tests can assert on chip-select/master-error sequences.
type GPIOPin struct {
	mu     sync.Mutex
	level  bool
	Pulses []bool
}

func (p *GPIOPin) ConfigureInput(iface.Pull) error { return nil }
func (p *GPIOPin) ConfigureOutput(initial bool) error {
	p.mu.Lock()
	p.level = initial
	p.mu.Unlock()
	return nil
}
func (p *GPIOPin) Set(level bool) {
	p.mu.Lock()
	p.level = level
	p.Pulses = append(p.Pulses, level)
	p.mu.Unlock()
}
func (p *GPIOPin) Get() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}
func (p *GPIOPin) Toggle()     { p.Set(!p.Get()) }
func (p *GPIOPin) Number() int { return 0 }

// PulseCount returns how many times Set was called.
func (p *GPIOPin) PulseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Pulses)
}

// IRQPin is a fake interrupt-capable line. Set fires the armed handler
// when the transition matches the configured edge, mirroring a real GPIO
// controller's edge detection.
type IRQPin struct {
	GPIOPin
	mu      sync.Mutex
	edge    iface.Edge
	handler func()
}

func (p *IRQPin) Set(level bool) {
	p.GPIOPin.mu.Lock()
	prev := p.GPIOPin.level
	p.GPIOPin.level = level
	p.GPIOPin.Pulses = append(p.GPIOPin.Pulses, level)
	p.GPIOPin.mu.Unlock()

	p.mu.Lock()
	e, h := p.edge, p.handler
	p.mu.Unlock()

	fire := prev != level && ((e == iface.EdgeBoth) ||
		(e == iface.EdgeRising && level) ||
		(e == iface.EdgeFalling && !level))
	if h != nil && fire {
		h()
	}
}

func (p *IRQPin) SetIRQ(edge iface.Edge, handler func()) error {
	p.mu.Lock()
	p.edge = edge
	p.handler = handler
	p.mu.Unlock()
	return nil
}

func (p *IRQPin) ClearIRQ() error {
	p.mu.Lock()
	p.handler = nil
	p.edge = iface.EdgeNone
	p.mu.Unlock()
	return nil
}

// SPIBus is a fake full-duplex bus. Exchange, when set, computes the
// bytes read for a given write; the zero value loops w back into r
// (useful for transport-level chunking tests that don't care about
// payload content).
type SPIBus struct {
	mu        sync.Mutex
	Frequency uint32
	Exchange  func(w []byte) (r []byte)
	Writes    [][]byte
}

func (b *SPIBus) Tx(w, r []byte) error {
	b.mu.Lock()
	if w != nil {
		cp := append([]byte(nil), w...)
		b.Writes = append(b.Writes, cp)
	}
	exch := b.Exchange
	b.mu.Unlock()

	if r == nil {
		return nil
	}
	if exch != nil {
		data := exch(w)
		n := copy(r, data)
		for i := n; i < len(r); i++ {
			r[i] = 0
		}
		return nil
	}
	copy(r, w)
	return nil
}

func (b *SPIBus) SetFrequency(hz uint32) error {
	b.mu.Lock()
	b.Frequency = hz
	b.mu.Unlock()
	return nil
}

// FakeClock is a Clock that records every requested sleep instead of
// actually blocking, so device-level tests can exercise firmware.Boot's
// fixed reset/settle delays without paying for them in wall-clock time.
type FakeClock struct {
	mu    sync.Mutex
	Slept []time.Duration
}

func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.Slept = append(c.Slept, d)
	c.mu.Unlock()
}

func (c *FakeClock) Now() time.Time { return time.Time{} }
