// Package engine is the external-facing SPI transaction engine: it wires
// together the transport, protocol, transaction table, dispatcher and
// firmware loader into the Device/Instance API a client program actually
// calls (spec.md §4.11, §4.12, §6's Go API sketch).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jangala-dev/visionspi/engine/dispatcher"
	"github.com/jangala-dev/visionspi/engine/errcode"
	"github.com/jangala-dev/visionspi/engine/firmware"
	"github.com/jangala-dev/visionspi/engine/iface"
	"github.com/jangala-dev/visionspi/engine/protocol"
	"github.com/jangala-dev/visionspi/engine/readysignal"
	"github.com/jangala-dev/visionspi/engine/transport"
	"github.com/jangala-dev/visionspi/engine/txtable"
	"github.com/jangala-dev/visionspi/internal/vblog"
)

// RequestFlags is the input flag set a client attaches to a submit.
type RequestFlags uint8

// Oneway marks a transaction as write-only: Submit returns as soon as the
// slave acknowledges, without waiting for a response payload (spec.md
// §4.11's ONEWAY bit).
const Oneway RequestFlags = 1 << 0

// ResultFlags mirrors the transaction table's flag bits back to the
// caller, matching the user header's output flags (spec.md §6).
type ResultFlags uint8

const (
	ResultAcked ResultFlags = 1 << iota
	ResultResponse
	ResultError
	ResultTimeout
	ResultOverflow
)

// Request is one submit operation's input: a request payload and the
// capacity to allocate for it (spec.md §4.11 step 1-2). BufferLen
// defaults to len(Payload) when zero; it must be at least len(Payload).
type Request struct {
	Flags     RequestFlags
	Payload   []byte
	BufferLen int
}

// Response is one submit operation's outcome.
type Response struct {
	Payload []byte
	Flags   ResultFlags
}

// Hardware bundles the concrete lines and bus a Device drives. All fields
// are required except Clock, which defaults to the real wall clock.
type Hardware struct {
	Bus         iface.SPIBus
	ChipSelect  iface.GPIOPin
	MasterError iface.GPIOPin
	Reset       iface.GPIOPin
	SlaveReady  iface.IRQPin
	Clock       iface.Clock
}

// Config is a Device's immutable construction-time configuration
// (spec.md §2a, §2c: reset_on_failure and debug are per-device settings,
// not per-call).
type Config struct {
	// DisableResetOnFailure turns off the automatic firmware reboot a
	// fatal SPI or protocol error would otherwise trigger (spec.md
	// §4.10). The zero value keeps reset-on-failure enabled, matching
	// the original driver's module parameter default of true.
	DisableResetOnFailure bool
	Debug                 bool
	Log                   *vblog.Logger

	// Loader supplies the firmware blob streamed on every reset.
	Loader firmware.Loader
	// NormalFrequencyHz is the steady-state SPI clock, restored after
	// every firmware boot.
	NormalFrequencyHz uint32

	// ChunkTimeout bounds each SPI chunk's slave-ready wait (spec.md
	// §4.2); defaults to transport.SlaveReadyTimeout.
	ChunkTimeout time.Duration
	// DefaultWait bounds a submit's wait when its context carries no
	// deadline; defaults to 5s.
	DefaultWait time.Duration
}

func (c Config) resetOnFailure() bool { return !c.DisableResetOnFailure }

// Device is one physical Myriad unit: one SPI bus, its GPIO lines, the
// fixed 16-slot transaction table and the single-worker dispatcher
// serialising every exchange (spec.md §3's "Device state").
type Device struct {
	mu  sync.Mutex // device lock (spec.md §5's locking order root)
	cfg Config

	table      *txtable.Table
	dispatcher *dispatcher.Dispatcher
	log        *vblog.Logger

	fwTarget *firmware.Target

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// NewDevice constructs a Device over hw, starts its dispatcher worker,
// and performs an initial firmware boot (mirroring the original driver's
// probe-time reset) before returning.
func NewDevice(ctx context.Context, hw Hardware, cfg Config) (*Device, error) {
	if cfg.Log == nil {
		cfg.Log = vblog.New(vblog.Config{Debug: cfg.Debug})
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = transport.SlaveReadyTimeout
	}
	if cfg.DefaultWait <= 0 {
		cfg.DefaultWait = 5 * time.Second
	}

	ready := readysignal.New(hw.SlaveReady)
	if err := ready.Start(); err != nil {
		return nil, err
	}

	tr := &transport.Transport{
		Bus:         hw.Bus,
		ChipSelect:  hw.ChipSelect,
		MasterError: hw.MasterError,
		Ready:       ready,
		Clock:       hw.Clock,
	}

	dev := &Device{
		cfg:   cfg,
		table: txtable.New(),
		log:   cfg.Log,
		fwTarget: &firmware.Target{
			Bus:               hw.Bus,
			ChipSelect:         hw.ChipSelect,
			Reset:              hw.Reset,
			Ready:              ready,
			Clock:              hw.Clock,
			NormalFrequencyHz:  cfg.NormalFrequencyHz,
		},
	}

	eng := &protocol.Engine{Transport: tr}
	dev.dispatcher = dispatcher.New(dispatcher.Config{
		Engine:  eng,
		Table:   dev.table,
		Log:     cfg.Log,
		Timeout: cfg.ChunkTimeout,
		OnFatal: func(cause error) {
			if !dev.cfg.resetOnFailure() {
				return
			}
			go func() {
				if err := firmware.Boot(context.Background(), dev.fwTarget, dev.cfg.Loader); err != nil {
					dev.log.Error("firmware reboot after fatal error failed", "err", err)
				}
			}()
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	dev.runCancel = cancel
	dev.runDone = make(chan struct{})
	go func() {
		defer close(dev.runDone)
		dev.dispatcher.Run(runCtx)
	}()

	if err := dev.Reset(ctx); err != nil {
		cancel()
		<-dev.runDone
		return nil, err
	}
	return dev, nil
}

// Close stops the dispatcher worker and the slave-ready watcher.
func (d *Device) Close() error {
	d.runCancel()
	<-d.runDone
	return d.fwTarget.Ready.Stop()
}

// Reset runs spec.md §4.9: cancel every in-flight transaction, then
// reboot the device and re-stream its firmware, regardless of the
// DisableResetOnFailure setting (that setting only gates automatic reboots
// triggered by a fatal error, never an explicit caller-requested reset).
func (d *Device) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.dispatcher.CancelInFlight(ctx); err != nil {
		return err
	}
	return firmware.Boot(ctx, d.fwTarget, d.cfg.Loader)
}

// DebugOngoingIDs enumerates the transaction ids currently parked on the
// ongoing (polled) list, for diagnostics (spec.md §2c, modelled on the
// original driver's visionbonnet_dump_transactions). Only meaningful
// when Config.Debug is set; returns nil otherwise.
func (d *Device) DebugOngoingIDs() []int {
	if !d.cfg.Debug {
		return nil
	}
	return d.dispatcher.OngoingIDs()
}

func deadline(ctx context.Context, fallback time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until > 0 {
			return until
		}
		return 0
	}
	return fallback
}

func resultFlagsFrom(f txtable.Flags) ResultFlags {
	var r ResultFlags
	if f&txtable.FlagAcked != 0 {
		r |= ResultAcked
	}
	if f&txtable.FlagResponse != 0 {
		r |= ResultResponse
	}
	if f&txtable.FlagError != 0 {
		r |= ResultError
	}
	if f&txtable.FlagTimeout != 0 {
		r |= ResultTimeout
	}
	if f&txtable.FlagOverflow != 0 {
		r |= ResultOverflow
	}
	return r
}

// waitDone blocks for id to reach required (or error), honouring ctx's
// deadline and cancellation: a deadline bounds the underlying table wait
// directly, while cancellation is observed as soon as it fires even
// though the background wait itself can only unblock at its own
// timeout or a flag broadcast (spec.md §4.11 step 5-6's "Interrupted").
func (d *Device) waitDone(ctx context.Context, id txtable.TID, required txtable.Flags) (txtable.Flags, errcode.Code) {
	timeout := deadline(ctx, d.cfg.DefaultWait)

	type result struct {
		flags    txtable.Flags
		timedOut bool
	}
	resCh := make(chan result, 1)
	go func() {
		flags, timedOut := d.table.WaitTimeout(id, required, timeout)
		resCh <- result{flags, timedOut}
	}()

	select {
	case r := <-resCh:
		if r.timedOut {
			d.table.SetFlags(id, txtable.FlagError|txtable.FlagTimeout)
			return d.table.Flags(id), errcode.Timeout
		}
		if r.flags&txtable.FlagError != 0 {
			return r.flags, errcode.Error
		}
		return r.flags, errcode.OK
	case <-ctx.Done():
		d.table.SetFlags(id, txtable.FlagError)
		return d.table.Flags(id), errcode.Interrupted
	}
}

// Submit runs spec.md §4.11: allocate a transaction, copy the request
// payload in, hand it to the dispatcher, wait for completion, and copy
// any response payload back out.
func (d *Device) Submit(ctx context.Context, req Request) (Response, error) {
	bufLen := req.BufferLen
	if bufLen <= 0 {
		bufLen = len(req.Payload)
	}
	if len(req.Payload) == 0 || len(req.Payload) > bufLen {
		return Response{}, &errcode.E{Op: "submit", C: errcode.InvalidArgument}
	}

	id, err := d.table.Alloc(bufLen, transport.MaxChunk)
	if err != nil {
		return Response{}, err
	}

	buf, _ := d.table.Buffer(id)
	n := copy(buf, req.Payload)
	d.table.SetPayloadLen(id, n)

	// Extra reference for the dispatcher's queue membership (spec.md
	// §4.11 step 4); released by the dispatcher once it will never
	// touch id again. This call's own reference (from Alloc) is
	// released below, once the response has been copied out.
	d.table.Ref(id)
	d.dispatcher.Submit(id)

	required := txtable.FlagAcked
	if req.Flags&Oneway == 0 {
		required |= txtable.FlagResponse
	}

	flags, code := d.waitDone(ctx, id, required)

	resp := Response{Flags: resultFlagsFrom(flags)}
	if req.Flags&Oneway == 0 && flags&txtable.FlagResponse != 0 {
		if rbuf, rn := d.table.Buffer(id); rn > 0 {
			resp.Payload = append([]byte(nil), rbuf[:rn]...)
		}
	}
	d.table.Unref(id)

	if code != errcode.OK {
		return resp, &errcode.E{Op: "submit", TID: int(id), C: code}
	}
	return resp, nil
}
