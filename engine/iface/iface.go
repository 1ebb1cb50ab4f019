// Package iface defines the hardware contracts the transaction engine is
// built against: the GPIO lines used for reset/chip-select/error signalling,
// the interrupt-capable slave-ready line, and the SPI bus itself. Concrete
// implementations are expected to satisfy tinygo.org/x/drivers on MCU
// targets and a Linux spidev/gpiod binding on the host.
package iface

import (
	"time"

	"tinygo.org/x/drivers"
)

// Pull mirrors the input-pull configuration of a GPIO pin.
type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// GPIOPin is a single digital line: the reset line and the two
// master-driven signalling lines (chip-select, master-error) all satisfy
// this.
type GPIOPin interface {
	ConfigureInput(pull Pull) error
	ConfigureOutput(initial bool) error
	Set(level bool)
	Get() bool
	Toggle()
	Number() int
}

// Edge selects which transition an IRQPin should notify on.
type Edge uint8

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

// IRQPin extends GPIOPin with an edge-triggered interrupt, used for the
// slave-ready line. handler runs on an arbitrary goroutine (often an
// interrupt context on bare-metal targets) and must not block.
type IRQPin interface {
	GPIOPin
	SetIRQ(edge Edge, handler func()) error
	ClearIRQ() error
}

// PinFactory supplies GPIO pins by platform pin number.
type PinFactory interface {
	ByNumber(n int) (GPIOPin, bool)
}

// IRQPinFactory supplies interrupt-capable pins by platform pin number.
type IRQPinFactory interface {
	ByNumber(n int) (IRQPin, bool)
}

// SPIBus is the full-duplex transfer primitive the transport layer drives.
// It embeds drivers.SPI directly, so any tinygo.org/x/drivers SPI
// implementation (or adapter over a host spidev handle) already satisfies
// the Tx half of this contract; Tx must write len(w) bytes while
// simultaneously filling r with the same number of bytes received, and a
// nil w or r is permitted when only one direction matters to the caller.
type SPIBus interface {
	drivers.SPI
	// SetFrequency reconfigures the bus clock. The engine calls this when
	// switching between the firmware-boot frequency and the steady-state
	// transaction frequency.
	SetFrequency(hz uint32) error
}

// Clock abstracts wall-clock sleeps and deadlines so tests can run the
// reset/boot sequence without real delays.
type Clock interface {
	Sleep(d time.Duration)
	Now() time.Time
}

// SystemClock is the Clock backed by the real time package.
type SystemClock struct{}

func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }
func (SystemClock) Now() time.Time        { return time.Now() }
