// Package firmware implements the boot sequence: toggling the reset line,
// streaming a firmware blob at boot SPI frequency, and waiting for the
// device to assert slave-ready (spec.md §4.9, grounded on aiy-vision.c's
// visionbonnet_myriad_reset/_write_firmware/_set_spi_freq).
package firmware

import (
	"context"
	"io"
	"time"

	"github.com/jangala-dev/visionspi/engine/errcode"
	"github.com/jangala-dev/visionspi/engine/iface"
	"github.com/jangala-dev/visionspi/engine/readysignal"
)

// BootChunk is the chunk size used while streaming firmware at boot
// frequency (spec.md §6, larger than the steady-state MaxChunk since the
// link runs slower and there is no response to interleave).
const BootChunk = 65535

// BootFrequencyHz is the SPI clock rate used only while streaming firmware.
const BootFrequencyHz = 13_800_000

// ResetPulseHigh and ResetPulseLow are the reset line's pulse durations
// (spec.md §4.9 step 2: raise 20ms, lower 20ms, raise).
const (
	ResetPulseHigh = 20 * time.Millisecond
	ResetPulseLow  = 20 * time.Millisecond
	BootSettle     = 2000 * time.Millisecond
	ReadyTimeout   = 5 * time.Second
)

// Loader supplies the opaque firmware blob at boot time. Implementations
// typically read from an embedded asset or a platform-specific blob store;
// the engine streams whatever bytes Open yields verbatim.
type Loader interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Target bundles the hardware the boot sequence drives. NormalFrequencyHz
// is restored on the bus once streaming completes.
type Target struct {
	Bus               iface.SPIBus
	ChipSelect        iface.GPIOPin
	Reset             iface.GPIOPin
	Ready             *readysignal.Watcher
	Clock             iface.Clock
	NormalFrequencyHz uint32
}

func (t *Target) clock() iface.Clock {
	if t.Clock != nil {
		return t.Clock
	}
	return iface.SystemClock{}
}

// Boot pulses reset, clears any slave-ready flag left over from before
// the reset, streams the blob at boot frequency, restores the normal
// frequency, and waits for slave-ready (spec.md §4.9 steps 2–7). That
// final wait consumes the assertion: the flag is left clear, not set, when
// Boot returns. The caller (engine root) is responsible for step 1
// (cancel in-flight transactions) before this call, since that touches
// state Boot itself has no access to.
func Boot(ctx context.Context, t *Target, loader Loader) error {
	clk := t.clock()

	t.Reset.Set(true)
	clk.Sleep(ResetPulseHigh)
	t.Reset.Set(false)
	clk.Sleep(ResetPulseLow)
	t.Reset.Set(true)
	clk.Sleep(BootSettle)
	t.Ready.Consume()

	blob, err := loader.Open(ctx)
	if err != nil {
		return errcode.Fatal
	}
	defer blob.Close()

	if err := t.Bus.SetFrequency(BootFrequencyHz); err != nil {
		return errcode.Fatal
	}
	t.ChipSelect.Set(false)
	streamErr := streamChunked(blob, t.Bus)
	t.ChipSelect.Set(true)
	if err := t.Bus.SetFrequency(t.NormalFrequencyHz); err != nil {
		return errcode.Fatal
	}
	if streamErr != nil {
		return errcode.Fatal
	}

	waitCtx, cancel := context.WithTimeout(ctx, ReadyTimeout)
	defer cancel()
	if err := t.Ready.WaitUntilReady(waitCtx); err != nil {
		return errcode.Fatal
	}
	return nil
}

// streamChunked writes r to bus in BootChunk-sized pieces, the same
// loop-clamp-write-advance idiom the teacher's chunked writers use for a
// blocking link (adapted here from a UART byte stream to an SPI bulk
// transfer: no per-chunk gating on slave-ready, since the device does not
// assert it until the whole blob has been consumed).
func streamChunked(r io.Reader, bus iface.SPIBus) error {
	buf := make([]byte, BootChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if txErr := bus.Tx(buf[:n], nil); txErr != nil {
				return txErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
