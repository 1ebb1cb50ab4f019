// Package transport implements the chunked, slave-ready-gated SPI bulk
// transfer the protocol engine builds on: spi_write_chunked and
// spi_read_chunked from the original driver, plus the chip-select and
// master-error line pulses ("alert-success" / "alert-error").
package transport

import (
	"context"
	"time"

	"github.com/jangala-dev/visionspi/engine/errcode"
	"github.com/jangala-dev/visionspi/engine/iface"
	"github.com/jangala-dev/visionspi/engine/readysignal"
)

// MaxChunk is the default chunk size for steady-state transfers.
const MaxChunk = 4095

// MaxBootChunk is the chunk size used while streaming firmware at boot
// frequency.
const MaxBootChunk = 65535

// SlaveReadyTimeout bounds each chunk's wait for the slave-ready line
// during normal operation.
const SlaveReadyTimeout = time.Second

// SlaveReadyBootTimeout is the extended bound used during firmware boot.
const SlaveReadyBootTimeout = 5 * time.Second

// Transport drives one SPI bus plus its companion GPIO lines. It holds no
// transaction state of its own; callers serialise access (the dispatcher's
// single worker goroutine).
type Transport struct {
	Bus         iface.SPIBus
	ChipSelect  iface.GPIOPin
	MasterError iface.GPIOPin
	Ready       *readysignal.Watcher
	Clock       iface.Clock
}

func (t *Transport) clock() iface.Clock {
	if t.Clock != nil {
		return t.Clock
	}
	return iface.SystemClock{}
}

func (t *Transport) waitReady(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := t.Ready.WaitUntilReady(ctx); err != nil {
		return errcode.Fatal
	}
	return nil
}

// WriteChunked writes len(buf) bytes in chunks of at most chunkSize,
// gating every chunk on the slave-ready flag (bounded by timeout),
// toggling chip-select low for the duration of the chunk and raising it
// again before the next slave-ready check.
func (t *Transport) WriteChunked(buf []byte, chunkSize int, timeout time.Duration) error {
	remaining := buf
	for len(remaining) > 0 {
		if err := t.waitReady(timeout); err != nil {
			return err
		}
		n := len(remaining)
		if n > chunkSize {
			n = chunkSize
		}
		t.ChipSelect.Set(false)
		err := t.Bus.Tx(remaining[:n], nil)
		t.ChipSelect.Set(true)
		if err != nil {
			return errcode.Fatal
		}
		remaining = remaining[n:]
	}
	return nil
}

// ReadChunked reads len bytes into buf in chunks of at most chunkSize,
// gating every chunk on slave-ready. When inPlace is true every chunk
// lands at buf[:n], clamped to len(buf) as well as chunkSize (draining
// and discarding an oversized response in buffer-sized pieces, since
// length can exceed the scratch buffer backing the drain); otherwise
// successive chunks advance through buf.
func (t *Transport) ReadChunked(buf []byte, length, chunkSize int, inPlace bool, timeout time.Duration) error {
	remaining := length
	for remaining > 0 {
		if err := t.waitReady(timeout); err != nil {
			return err
		}
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}
		var dst []byte
		if inPlace {
			if n > len(buf) {
				n = len(buf)
			}
			dst = buf[:n]
		} else {
			off := length - remaining
			dst = buf[off : off+n]
		}
		t.ChipSelect.Set(false)
		err := t.Bus.Tx(nil, dst)
		t.ChipSelect.Set(true)
		if err != nil {
			return errcode.Fatal
		}
		remaining -= n
	}
	return nil
}

// AlertSuccess pulses chip-select high-low-high to signal a successful
// header or payload exchange to the slave.
func (t *Transport) AlertSuccess() {
	t.ChipSelect.Set(true)
	t.ChipSelect.Set(false)
	t.ChipSelect.Set(true)
}

// AlertError pulses the master-error line low-high to signal a CRC
// mismatch to the slave.
func (t *Transport) AlertError() {
	t.MasterError.Set(false)
	t.MasterError.Set(true)
}
