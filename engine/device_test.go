package engine

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/jangala-dev/visionspi/engine/enginetest"
	"github.com/jangala-dev/visionspi/engine/errcode"
)

type blobLoader struct{ data []byte }

func (l blobLoader) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.data)), nil
}

// newTestDevice wires a Device over a fake bus with readyPin pre-armed to
// answer the initial boot sequence NewDevice runs, then hands the caller
// the fakes needed to drive further scenarios.
func newTestDevice(t *testing.T, cfg Config) (*Device, *enginetest.SPIBus, *enginetest.IRQPin, *enginetest.GPIOPin) {
	t.Helper()
	bus := &enginetest.SPIBus{}
	cs := &enginetest.GPIOPin{}
	merr := &enginetest.GPIOPin{}
	reset := &enginetest.GPIOPin{}
	readyPin := &enginetest.IRQPin{}
	clk := &enginetest.FakeClock{}

	if cfg.Loader == nil {
		cfg.Loader = blobLoader{data: []byte{0xAA, 0xBB}}
	}
	if cfg.NormalFrequencyHz == 0 {
		cfg.NormalFrequencyHz = 4_000_000
	}

	// A fake clock skips firmware.Boot's fixed reset/settle delays (2+
	// seconds of real time per boot) so these tests run fast and so the
	// context timeouts below aren't racing wall-clock sleeps.
	hw := Hardware{Bus: bus, ChipSelect: cs, MasterError: merr, Reset: reset, SlaveReady: readyPin, Clock: clk}

	// The boot sequence NewDevice runs ends by waiting for a falling edge
	// of slave-ready (engine/readysignal), and every chunk write/read of
	// every exchange afterwards gates on one too, so pulse it continuously for the
	// lifetime of the device rather than trying to time one-shot edges
	// against each call (mirrors dispatcher_test.go's newTestDispatcher).
	readyPin.Set(true)
	stopPulse := make(chan struct{})
	pulseDone := make(chan struct{})
	go func() {
		defer close(pulseDone)
		for {
			select {
			case <-stopPulse:
				return
			default:
				readyPin.Set(false)
				readyPin.Set(true)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dev, err := NewDevice(ctx, hw, cfg)
	if err != nil {
		close(stopPulse)
		<-pulseDone
		t.Fatalf("NewDevice() = %v", err)
	}
	t.Cleanup(func() {
		dev.Close()
		close(stopPulse)
		<-pulseDone
	})
	return dev, bus, readyPin, merr
}

func TestSubmitSmallEchoSucceeds(t *testing.T) {
	dev, bus, _, _ := newTestDevice(t, Config{})

	slave := &enginetest.Slave{
		Respond: func(_ byte, req []byte) ([]byte, bool) { return req, true },
	}
	slave.Attach(bus)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE, 0xBA, 0xBE}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := dev.Submit(ctx, Request{Payload: payload})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if !bytes.Equal(resp.Payload, payload) {
		t.Fatalf("response = %x, want %x", resp.Payload, payload)
	}
	if resp.Flags&ResultAcked == 0 || resp.Flags&ResultResponse == 0 {
		t.Fatalf("flags = %v, want acked|response", resp.Flags)
	}
	if resp.Flags&ResultError != 0 {
		t.Fatalf("flags = %v, want no error", resp.Flags)
	}
}

func TestSubmitOnewayReturnsOnAckWithoutResponse(t *testing.T) {
	dev, bus, _, _ := newTestDevice(t, Config{})

	slave := &enginetest.Slave{
		Respond: func(_ byte, req []byte) ([]byte, bool) { return bytes.Repeat([]byte{0x42}, len(req)), true },
	}
	slave.Attach(bus)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := dev.Submit(ctx, Request{Flags: Oneway, Payload: make([]byte, 16)})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if resp.Flags&ResultAcked == 0 {
		t.Fatalf("flags = %v, want acked", resp.Flags)
	}
	if len(resp.Payload) != 0 {
		t.Fatalf("response payload length = %d, want 0 for a one-way submit", len(resp.Payload))
	}
}

func TestSubmitOverflowReportsOverflowError(t *testing.T) {
	dev, bus, _, _ := newTestDevice(t, Config{})

	big := bytes.Repeat([]byte{0x7}, 128)
	slave := &enginetest.Slave{
		Respond: func(_ byte, _ []byte) ([]byte, bool) { return big, true },
	}
	slave.Attach(bus)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := dev.Submit(ctx, Request{Payload: make([]byte, 32), BufferLen: 64})
	if err == nil {
		t.Fatal("Submit() = nil error, want overflow")
	}
	if resp.Flags&ResultOverflow == 0 || resp.Flags&ResultError == 0 {
		t.Fatalf("flags = %v, want overflow|error", resp.Flags)
	}
}

func TestSubmitRecoversFromCorruptedHeaderCRCs(t *testing.T) {
	dev, bus, _, merr := newTestDevice(t, Config{})

	slave := &enginetest.Slave{
		Respond:           func(_ byte, req []byte) ([]byte, bool) { return req, true },
		CorruptHeaderCRCs: 5,
	}
	slave.Attach(bus)

	before := merr.PulseCount()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := dev.Submit(ctx, Request{Payload: []byte{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if resp.Flags&ResultError != 0 {
		t.Fatalf("flags = %v, want clean of error after recovering", resp.Flags)
	}
	if got := merr.PulseCount() - before; got < 5 {
		t.Fatalf("master-error line pulsed %d times, want at least one per corrupted CRC", got)
	}
}

func TestSubmitDeferredResponseCompletesAfterPoll(t *testing.T) {
	dev, bus, _, _ := newTestDevice(t, Config{})

	want := []byte{0x10, 0x20, 0x30}
	slave := &enginetest.Slave{
		Deferred: true,
		Respond:  func(_ byte, _ []byte) ([]byte, bool) { return want, true },
	}
	slave.Attach(bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := dev.Submit(ctx, Request{Payload: []byte{9, 9}, BufferLen: len(want)})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if !bytes.Equal(resp.Payload, want) {
		t.Fatalf("response = %x, want %x", resp.Payload, want)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	dev, _, _, _ := newTestDevice(t, Config{})

	// newTestDevice's background goroutine keeps pulsing slave-ready for
	// the device's whole lifetime, so Reset's own boot-ack wait resolves
	// without any extra driving here.
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := dev.Reset(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Reset() [%d] = %v", i, err)
		}
	}
}

func TestFatalSlaveReadyTimeoutFailsInFlightSubmit(t *testing.T) {
	// Built by hand rather than via newTestDevice: the slave-ready line
	// must never pulse after boot, so the first submitted chunk's wait
	// times out and the transport reports Fatal.
	bus := &enginetest.SPIBus{}
	cs := &enginetest.GPIOPin{}
	merr := &enginetest.GPIOPin{}
	reset := &enginetest.GPIOPin{}
	readyPin := &enginetest.IRQPin{}
	clk := &enginetest.FakeClock{}

	hw := Hardware{Bus: bus, ChipSelect: cs, MasterError: merr, Reset: reset, SlaveReady: readyPin, Clock: clk}
	cfg := Config{
		Loader:            blobLoader{data: []byte{0xAA}},
		NormalFrequencyHz: 4_000_000,
		ChunkTimeout:      20 * time.Millisecond,
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), time.Second)
	defer bootCancel()
	bootDone := make(chan struct{})
	var dev *Device
	var err error
	go func() {
		dev, err = NewDevice(bootCtx, hw, cfg)
		close(bootDone)
	}()
	// One edge lets the boot sequence's own ready wait succeed; no
	// further pulses follow it.
	time.Sleep(10 * time.Millisecond)
	readyPin.Set(true)
	readyPin.Set(false)
	<-bootDone
	if err != nil {
		t.Fatalf("NewDevice() = %v", err)
	}
	defer dev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = dev.Submit(ctx, Request{Payload: []byte{1}})
	if err == nil {
		t.Fatal("Submit() = nil, want error after slave-ready timeout")
	}
	if errcode.Of(err) != errcode.Error && errcode.Of(err) != errcode.Timeout {
		t.Fatalf("Submit() error code = %v", errcode.Of(err))
	}
}

func TestMmapSubmitRoundTrips(t *testing.T) {
	dev, bus, _, _ := newTestDevice(t, Config{})
	slave := &enginetest.Slave{
		Respond: func(_ byte, req []byte) ([]byte, bool) { return req, true },
	}
	slave.Attach(bus)

	inst := dev.NewInstance()
	defer inst.Close()

	buf, err := inst.Mmap(256)
	if err != nil {
		t.Fatalf("Mmap() = %v", err)
	}
	defer buf.Release()

	copy(buf.Bytes, []byte{1, 2, 3, 4})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := inst.SubmitMmap(ctx, buf, Request{Payload: buf.Bytes[:4]})
	if err != nil {
		t.Fatalf("SubmitMmap() = %v", err)
	}
	if !bytes.Equal(resp.Payload, []byte{1, 2, 3, 4}) {
		t.Fatalf("response = %x, want echoed request", resp.Payload)
	}
}
