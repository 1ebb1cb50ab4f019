package protocol

import (
	"testing"
	"time"

	"github.com/jangala-dev/visionspi/engine/crc"
	"github.com/jangala-dev/visionspi/engine/enginetest"
	"github.com/jangala-dev/visionspi/engine/errcode"
	"github.com/jangala-dev/visionspi/engine/header"
	"github.com/jangala-dev/visionspi/engine/readysignal"
	"github.com/jangala-dev/visionspi/engine/transport"
)

// scriptedSlave hands back one scripted frame per read-direction Tx call
// (w == nil), in order; write-direction calls are only logged.
type scriptedSlave struct {
	frames [][]byte
	idx    int
}

func (s *scriptedSlave) exchange(w []byte) []byte {
	if w != nil || s.idx >= len(s.frames) {
		return nil
	}
	f := s.frames[s.idx]
	s.idx++
	return f
}

func crc32Bytes(data []byte) []byte {
	sum := crc.Payload32(data)
	return []byte{byte(sum), byte(sum >> 8), byte(sum >> 16), byte(sum >> 24)}
}

func newTestEngine(t *testing.T, slave *scriptedSlave) (*Engine, *enginetest.GPIOPin, *enginetest.GPIOPin, func()) {
	t.Helper()
	bus := &enginetest.SPIBus{Exchange: slave.exchange}
	cs := &enginetest.GPIOPin{}
	merr := &enginetest.GPIOPin{}
	readyPin := &enginetest.IRQPin{}
	readyPin.Set(true)

	w := readysignal.New(readyPin)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				readyPin.Set(false)
				readyPin.Set(true)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	tr := &transport.Transport{Bus: bus, ChipSelect: cs, MasterError: merr, Ready: w}
	cleanup := func() {
		close(stop)
		<-done
		w.Stop()
	}
	return &Engine{Transport: tr}, cs, merr, cleanup
}

func validSlaveHeader(tid byte, complete bool, size uint32) header.Header {
	flags := header.FlagAck | header.FlagIsSupported | header.FlagTidValid
	if complete {
		flags |= header.FlagComplete
	}
	if size > 0 {
		flags |= header.FlagHasData
	}
	h := header.Header{Flags: flags, TID: tid, Size: size}
	h.CRC = h.ComputeCRC()
	return h
}

func encodeHeader(h header.Header) []byte {
	b := header.Encode(h)
	return b[:]
}

func TestExchangeSucceedsImmediately(t *testing.T) {
	resp := validSlaveHeader(0, false, 0)
	slave := &scriptedSlave{frames: [][]byte{encodeHeader(resp)}}
	eng, cs, _, cleanup := newTestEngine(t, slave)
	defer cleanup()

	got, code := eng.Exchange(header.NewPoll(), time.Second)
	if code != errcode.OK {
		t.Fatalf("Exchange() code = %v, want OK", code)
	}
	if got != resp {
		t.Fatalf("Exchange() header = %+v, want %+v", got, resp)
	}
	// The final three transitions must be alert-success's high-low-high,
	// on top of the low/high pulses each chunk already issued.
	n := cs.PulseCount()
	if n < 3 {
		t.Fatalf("too few chip-select pulses (%d) to contain alert-success", n)
	}
	last3 := cs.Pulses[n-3:]
	want := []bool{true, false, true}
	for i, v := range want {
		if last3[i] != v {
			t.Fatalf("trailing chip-select pulses = %v, want %v (alert-success)", last3, want)
		}
	}
}

func TestExchangeRetriesOnBadCrcThenSucceeds(t *testing.T) {
	good := validSlaveHeader(0, false, 0)
	bad := encodeHeader(good)
	bad[2] ^= 0xFF // corrupt the CRC field
	frames := [][]byte{bad, bad, bad, encodeHeader(good)}
	slave := &scriptedSlave{frames: frames}
	eng, _, merr, cleanup := newTestEngine(t, slave)
	defer cleanup()

	_, code := eng.Exchange(header.NewPoll(), time.Second)
	if code != errcode.OK {
		t.Fatalf("Exchange() code = %v, want OK after recovering from bad CRC", code)
	}
	if merr.PulseCount() != 3*2 {
		t.Fatalf("master-error pulses = %d, want %d (2 per bad CRC, 3 corruptions)", merr.PulseCount(), 3*2)
	}
}

func TestExchangeTerminatesOnNotSupported(t *testing.T) {
	bad := validSlaveHeader(0, false, 0)
	bad.Flags &^= header.FlagIsSupported
	bad.CRC = bad.ComputeCRC()
	slave := &scriptedSlave{frames: [][]byte{encodeHeader(bad)}}
	eng, _, _, cleanup := newTestEngine(t, slave)
	defer cleanup()

	_, code := eng.Exchange(header.NewPoll(), time.Second)
	if code != errcode.NotSupported {
		t.Fatalf("Exchange() code = %v, want NotSupported", code)
	}
}

func TestSendPayloadSucceedsAndReadsAck(t *testing.T) {
	ack := validSlaveHeader(1, true, 0)
	slave := &scriptedSlave{frames: [][]byte{encodeHeader(ack)}}
	eng, _, _, cleanup := newTestEngine(t, slave)
	defer cleanup()

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	got, code := eng.SendPayload(payload, time.Second)
	if code != errcode.OK {
		t.Fatalf("SendPayload() code = %v, want OK", code)
	}
	if got != ack {
		t.Fatalf("SendPayload() ack = %+v, want %+v", got, ack)
	}
}

func TestReceivePayloadMatchesAndValidatesCRC(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	slave := &scriptedSlave{frames: [][]byte{data, crc32Bytes(data)}}
	eng, _, _, cleanup := newTestEngine(t, slave)
	defer cleanup()

	incoming := validSlaveHeader(1, true, uint32(len(data)))
	buf := make([]byte, 0, 64)
	buf = buf[:cap(buf)]
	n, code := eng.ReceivePayload(incoming, buf, time.Second)
	if code != errcode.OK {
		t.Fatalf("ReceivePayload() code = %v, want OK", code)
	}
	if n != len(data) {
		t.Fatalf("ReceivePayload() n = %d, want %d", n, len(data))
	}
	for i, b := range data {
		if buf[i] != b {
			t.Fatalf("buf[%d] = %d, want %d", i, buf[i], b)
		}
	}
}

func TestReceivePayloadOverflowReportsOverflow(t *testing.T) {
	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i)
	}
	slave := &scriptedSlave{frames: [][]byte{data, crc32Bytes(data)}}
	eng, _, _, cleanup := newTestEngine(t, slave)
	defer cleanup()

	incoming := validSlaveHeader(1, true, uint32(len(data)))
	buf := make([]byte, 64)
	_, code := eng.ReceivePayload(incoming, buf, time.Second)
	if code != errcode.Overflow {
		t.Fatalf("ReceivePayload() code = %v, want Overflow", code)
	}
}

func TestReceivePayloadRetriesOnBadCRC(t *testing.T) {
	data := []byte{9, 9, 9, 9}
	goodCRC := crc32Bytes(data)
	badCRC := []byte{0, 0, 0, 0}
	slave := &scriptedSlave{frames: [][]byte{
		data, badCRC,
		data, goodCRC,
	}}
	eng, _, merr, cleanup := newTestEngine(t, slave)
	defer cleanup()

	incoming := validSlaveHeader(1, true, uint32(len(data)))
	buf := make([]byte, 64)
	n, code := eng.ReceivePayload(incoming, buf, time.Second)
	if code != errcode.OK {
		t.Fatalf("ReceivePayload() code = %v, want OK after CRC retry", code)
	}
	if n != len(data) {
		t.Fatalf("ReceivePayload() n = %d, want %d", n, len(data))
	}
	if merr.PulseCount() != 2 {
		t.Fatalf("master-error pulses = %d, want 2 for one bad CRC", merr.PulseCount())
	}
}
