// Package protocol implements the exchange envelopes run over a
// transport.Transport: header exchange with its write/read retry
// ceilings, payload send with acknowledgement, and payload receive with
// overflow handling (spec.md §4.3–§4.5, grounded on aiy-vision.c's
// visionbonnet_header_exchange/_send_data_buffer/_receive_data_buffer).
package protocol

import (
	"time"

	"github.com/jangala-dev/visionspi/engine/crc"
	"github.com/jangala-dev/visionspi/engine/errcode"
	"github.com/jangala-dev/visionspi/engine/header"
	"github.com/jangala-dev/visionspi/engine/transport"
)

// MaxWriteAttempts and MaxReadAttempts bound the header-exchange retry
// loops (spec.md §8).
const (
	MaxWriteAttempts = 100
	MaxReadAttempts  = 100
)

// Engine runs the framing protocol over one Transport. It carries no
// transaction state; every call is one self-contained exchange, so it is
// safe to reuse across transactions as long as calls are serialised (the
// dispatcher's single worker goroutine does this).
type Engine struct {
	Transport *transport.Transport
}

// validate decodes and validates an incoming header, pulsing the
// appropriate line as a side effect exactly where the original driver's
// validate_header does: master-error on a CRC mismatch, alert-success on
// every other non-OK outcome (NotSupported, InvalidTid, Nack). The OK
// case is alerted by the caller once the whole exchange concludes, not
// here.
func (e *Engine) validate(rbuf []byte) (header.Header, errcode.Code) {
	h := header.Decode(rbuf)
	code, badCRC := header.Validate(h)
	switch {
	case badCRC:
		e.Transport.AlertError()
	case code == errcode.NotSupported, code == errcode.InvalidTid, code == errcode.Nack:
		e.Transport.AlertSuccess()
	}
	return h, code
}

// Exchange runs §4.3: send outgoing repeatedly until the slave ACKs (or a
// terminal rejection), reading and validating an incoming header on every
// attempt, bounded by MaxWriteAttempts*MaxReadAttempts total chunks.
func (e *Engine) Exchange(outgoing header.Header, timeout time.Duration) (header.Header, errcode.Code) {
	var incoming header.Header
	writeAttempts := 0
	for {
		writeAttempts++
		buf := header.Encode(outgoing)
		if err := e.Transport.WriteChunked(buf[:], transport.MaxChunk, timeout); err != nil {
			return header.Header{}, errcode.Fatal
		}

		readAttempts := 0
		var code errcode.Code
		for {
			readAttempts++
			var rbuf [header.Size]byte
			if err := e.Transport.ReadChunked(rbuf[:], header.Size, transport.MaxChunk, false, timeout); err != nil {
				return header.Header{}, errcode.Fatal
			}
			incoming, code = e.validate(rbuf[:])
			if code == errcode.NotSupported || code == errcode.InvalidTid {
				return incoming, code
			}
			if code != errcode.BadCrc || readAttempts >= MaxReadAttempts {
				break
			}
		}
		if code == errcode.BadCrc {
			// Read-attempt ceiling hit without ever validating a
			// header: escalate per spec.md §7's BadCrc row.
			return incoming, errcode.Fatal
		}
		if code != errcode.Nack || writeAttempts >= MaxWriteAttempts {
			if code == errcode.OK {
				e.Transport.AlertSuccess()
			}
			if code == errcode.Nack {
				// Write-attempt ceiling hit with the slave still
				// nacking: escalate per spec.md §7's Nack row.
				return incoming, errcode.Fatal
			}
			return incoming, code
		}
	}
}

// SendPayload runs §4.4 after a successful header exchange: write the
// payload, then its CRC-32, then read and validate the acknowledgement
// header with the same retry envelope, resending the payload on a Nack.
func (e *Engine) SendPayload(payload []byte, timeout time.Duration) (header.Header, errcode.Code) {
	var ack header.Header
	writeAttempts := 0
	for {
		writeAttempts++
		if err := e.Transport.WriteChunked(payload, transport.MaxChunk, timeout); err != nil {
			return header.Header{}, errcode.Fatal
		}
		sum := crc.Payload32(payload)
		var sumBuf [4]byte
		sumBuf[0] = byte(sum)
		sumBuf[1] = byte(sum >> 8)
		sumBuf[2] = byte(sum >> 16)
		sumBuf[3] = byte(sum >> 24)
		if err := e.Transport.WriteChunked(sumBuf[:], transport.MaxChunk, timeout); err != nil {
			return header.Header{}, errcode.Fatal
		}

		readAttempts := 0
		var code errcode.Code
		for {
			readAttempts++
			var rbuf [header.Size]byte
			if err := e.Transport.ReadChunked(rbuf[:], header.Size, transport.MaxChunk, false, timeout); err != nil {
				return header.Header{}, errcode.Fatal
			}
			ack, code = e.validate(rbuf[:])
			if code == errcode.NotSupported || code == errcode.InvalidTid {
				return ack, code
			}
			if code != errcode.BadCrc || readAttempts >= MaxReadAttempts {
				break
			}
		}
		if code == errcode.BadCrc {
			// Read-attempt ceiling hit without ever validating an
			// acknowledgement: escalate per spec.md §7's BadCrc row.
			return ack, errcode.Fatal
		}
		if code != errcode.Nack || writeAttempts >= MaxWriteAttempts {
			if code == errcode.OK {
				e.Transport.AlertSuccess()
			}
			if code == errcode.Nack {
				// Write-attempt ceiling hit with the slave still
				// nacking: escalate per spec.md §7's Nack row.
				return ack, errcode.Fatal
			}
			return ack, code
		}
	}
}

// ReceivePayload runs §4.5: read incoming.Size bytes into buf (capacity
// cap(buf)), draining and discarding in place if the response overflows
// the buffer, then validates the trailing payload CRC-32, retrying the
// whole read up to MaxReadAttempts times on mismatch.
func (e *Engine) ReceivePayload(incoming header.Header, buf []byte, timeout time.Duration) (n int, flags errcode.Code) {
	size := int(incoming.Size)
	overflow := size > cap(buf)

	for attempt := 1; ; attempt++ {
		var dst []byte
		if overflow {
			dst = buf[:cap(buf)]
		} else {
			dst = buf[:size]
		}
		if err := e.Transport.ReadChunked(dst, size, transport.MaxChunk, overflow, timeout); err != nil {
			return 0, errcode.Fatal
		}
		var sumBuf [4]byte
		if err := e.Transport.ReadChunked(sumBuf[:], 4, transport.MaxChunk, false, timeout); err != nil {
			return 0, errcode.Fatal
		}
		if overflow {
			return 0, errcode.Overflow
		}
		slaveCRC := uint32(sumBuf[0]) | uint32(sumBuf[1])<<8 | uint32(sumBuf[2])<<16 | uint32(sumBuf[3])<<24
		if slaveCRC == crc.Payload32(buf[:size]) {
			e.Transport.AlertSuccess()
			return size, errcode.OK
		}
		e.Transport.AlertError()
		if attempt >= MaxReadAttempts {
			// Read-attempt ceiling hit with every payload CRC bad:
			// escalate per spec.md §7's BadCrc row.
			return 0, errcode.Fatal
		}
	}
}
