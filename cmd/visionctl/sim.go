package main

import (
	"context"
	"time"

	"github.com/jangala-dev/visionspi/engine"
	"github.com/jangala-dev/visionspi/engine/enginetest"
	"github.com/jangala-dev/visionspi/engine/firmware"
)

// simDevice bundles a Device running against enginetest's in-memory fakes
// with the slave and the pulsing goroutine that stands in for a real
// Myriad asserting slave-ready, so the CLI has something to talk to
// without any physical hardware attached (spec.md §1 calls the real SPI
// bus and GPIO lines external collaborators; this is the harness's own
// stand-in for them, not a platform driver).
type simDevice struct {
	dev   *engine.Device
	slave *enginetest.Slave
	stop  chan struct{}
	done  chan struct{}
}

// newSimDevice wires a Device over a simulated Myriad that echoes every
// request payload back unchanged, the same default enginetest.Slave.Respond
// uses when left nil.
func newSimDevice(ctx context.Context, loader firmware.Loader) (*simDevice, error) {
	bus := &enginetest.SPIBus{}
	cs := &enginetest.GPIOPin{}
	merr := &enginetest.GPIOPin{}
	reset := &enginetest.GPIOPin{}
	ready := &enginetest.IRQPin{}

	slave := &enginetest.Slave{
		Respond: func(_ byte, req []byte) ([]byte, bool) { return req, true },
	}
	slave.Attach(bus)

	hw := engine.Hardware{Bus: bus, ChipSelect: cs, MasterError: merr, Reset: reset, SlaveReady: ready}
	cfg := engine.Config{Loader: loader, NormalFrequencyHz: 4_000_000, Debug: true}

	ready.Set(true)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				ready.Set(false)
				ready.Set(true)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	dev, err := engine.NewDevice(ctx, hw, cfg)
	if err != nil {
		close(stop)
		<-done
		return nil, err
	}
	return &simDevice{dev: dev, slave: slave, stop: stop, done: done}, nil
}

func (s *simDevice) Close() error {
	err := s.dev.Close()
	close(s.stop)
	<-s.done
	return err
}
