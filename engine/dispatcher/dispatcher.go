// Package dispatcher runs the single worker goroutine that serialises
// every SPI protocol exchange for a device: an incoming queue of
// freshly submitted transactions and an ongoing list of transactions
// still awaiting a deferred response, fused into one loop per spec.md
// Design Notes §9 rather than the two self-rescheduling work items the
// original driver used (grounded on services/hal/worker.go's
// measureWorker: request channel, reused timer, single select loop).
package dispatcher

import (
	"context"
	"time"

	"github.com/jangala-dev/visionspi/engine/errcode"
	"github.com/jangala-dev/visionspi/engine/header"
	"github.com/jangala-dev/visionspi/engine/protocol"
	"github.com/jangala-dev/visionspi/engine/txtable"
	"github.com/jangala-dev/visionspi/internal/vblog"
)

// PollInterval is the ongoing list's re-poll cadence (spec.md §4.6,
// ~60 Hz).
const PollInterval = 16 * time.Millisecond

// Table is the subset of txtable.Table the dispatcher needs, so tests
// can substitute a narrower fake if useful; the real txtable.Table
// satisfies it directly.
type Table interface {
	Buffer(id txtable.TID) ([]byte, int)
	SetPayloadLen(id txtable.TID, n int)
	SetFlags(id txtable.TID, bits txtable.Flags)
	// ResponseCap returns the capacity a response must be measured
	// against for overflow purposes (spec.md §4.5): the caller's
	// originally requested buffer length, not the allocation floor.
	ResponseCap(id txtable.TID) int
	// Unref drops the extra reference Submit took before handing id to
	// the dispatcher (spec.md §4.11 step 4); the dispatcher calls this
	// exactly once, at the point it will never touch id again.
	Unref(id txtable.TID)
}

// Dispatcher owns the incoming queue and ongoing list for one device
// and drives both through a single protocol.Engine.
type Dispatcher struct {
	engine *protocol.Engine
	table  Table
	log    *vblog.Logger

	timeout time.Duration

	incoming chan txtable.TID
	ongoing  map[txtable.TID]struct{}
	resetReq chan chan struct{}
	queryReq chan chan []int

	onFatal func(cause error)

	timer *time.Timer
}

// Config bundles a Dispatcher's fixed construction-time parameters.
type Config struct {
	Engine *protocol.Engine
	Table  Table
	Log    *vblog.Logger
	// Timeout bounds every individual chunk's slave-ready wait
	// (spec.md §4.3's shared transport timeout).
	Timeout time.Duration
	// QueueSize bounds the incoming channel; it need not exceed the
	// number of transaction slots, since a slot must be allocated
	// before its tid reaches the queue.
	QueueSize int
	// OnFatal is invoked with the triggering error whenever a chunk
	// exchange fails outright or an unknown tid is reported; it is
	// expected to apply the reset_on_failure policy (spec.md §4.10).
	OnFatal func(cause error)
}

func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = txtable.Slots
	}
	if cfg.Log == nil {
		cfg.Log = vblog.New(vblog.Config{})
	}
	if cfg.OnFatal == nil {
		cfg.OnFatal = func(error) {}
	}
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	return &Dispatcher{
		engine:   cfg.Engine,
		table:    cfg.Table,
		log:      cfg.Log,
		timeout:  cfg.Timeout,
		incoming: make(chan txtable.TID, cfg.QueueSize),
		ongoing:  make(map[txtable.TID]struct{}),
		resetReq: make(chan chan struct{}),
		queryReq: make(chan chan []int),
		onFatal:  cfg.OnFatal,
		timer:    timer,
	}
}

// Submit enqueues a freshly allocated transaction for the incoming
// worker. The caller must already hold a reference on id for the
// queue's own accounting (spec.md §4.11 step 4); Submit never blocks
// since the channel's capacity tracks the transaction table's.
func (d *Dispatcher) Submit(id txtable.TID) {
	d.incoming <- id
}

// Run drives the dispatcher loop until ctx is cancelled. Exactly one
// goroutine should call Run for a given Dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.timer.Stop()
	for {
		// Incoming strictly pre-empts a due poll: drain it before
		// ever waiting on the ongoing list's timer.
		select {
		case id := <-d.incoming:
			d.handleIncoming(id)
			continue
		case done := <-d.resetReq:
			d.cancelInFlight()
			close(done)
			continue
		case reply := <-d.queryReq:
			reply <- d.ongoingIDs()
			continue
		default:
		}

		if len(d.ongoing) == 0 {
			select {
			case <-ctx.Done():
				return
			case id := <-d.incoming:
				d.handleIncoming(id)
			case done := <-d.resetReq:
				d.cancelInFlight()
				close(done)
			case reply := <-d.queryReq:
				reply <- d.ongoingIDs()
			}
			continue
		}

		drainTimer(d.timer)
		d.timer.Reset(PollInterval)
		select {
		case <-ctx.Done():
			return
		case id := <-d.incoming:
			d.handleIncoming(id)
		case done := <-d.resetReq:
			d.cancelInFlight()
			close(done)
		case reply := <-d.queryReq:
			reply <- d.ongoingIDs()
		case <-d.timer.C:
			d.pollOngoing()
		}
	}
}

// OngoingIDs returns a snapshot of the transaction ids currently parked
// on the ongoing list, asking the dispatcher goroutine for it so the
// read never races with Run's own map mutations.
func (d *Dispatcher) OngoingIDs() []int {
	reply := make(chan []int, 1)
	d.queryReq <- reply
	return <-reply
}

func (d *Dispatcher) ongoingIDs() []int {
	ids := make([]int, 0, len(d.ongoing))
	for id := range d.ongoing {
		ids = append(ids, int(id))
	}
	return ids
}

// CancelInFlight asks the dispatcher goroutine to drop every queued and
// ongoing transaction with error (spec.md §4.9 step 1), blocking until it
// has done so or ctx is cancelled first. Safe to call from any goroutine.
func (d *Dispatcher) CancelInFlight(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case d.resetReq <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelInFlight drains the incoming queue and the ongoing list, flagging
// every transaction it finds with error and releasing the dispatcher's
// reference on each. Must only run on the dispatcher's own goroutine.
func (d *Dispatcher) cancelInFlight() {
	for draining := true; draining; {
		select {
		case id := <-d.incoming:
			d.table.SetPayloadLen(id, 0)
			d.table.SetFlags(id, txtable.FlagError)
			d.finish(id)
		default:
			draining = false
		}
	}
	for id := range d.ongoing {
		d.table.SetPayloadLen(id, 0)
		d.table.SetFlags(id, txtable.FlagError)
		d.finish(id)
	}
	d.ongoing = make(map[txtable.TID]struct{})
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// handleIncoming runs §4.3 + §4.4 for one freshly submitted
// transaction, then either finishes it immediately, defers it to the
// ongoing list, or escalates a fatal error.
func (d *Dispatcher) handleIncoming(id txtable.TID) {
	buf, n := d.table.Buffer(id)
	if buf == nil {
		return
	}

	outgoing := header.NewMaster(byte(id), uint32(n))
	if _, code := d.engine.Exchange(outgoing, d.timeout); code != errcode.OK {
		d.fail(id, code)
		return
	}

	ack, code := d.engine.SendPayload(buf[:n], d.timeout)
	if code != errcode.OK {
		d.fail(id, code)
		return
	}

	d.table.SetFlags(id, txtable.FlagAcked)

	switch {
	case ack.Complete() && ack.Size != 0:
		d.receive(id, ack)
	case ack.Complete():
		d.log.Debug("write-only transaction complete", "tid", id)
		d.table.SetPayloadLen(id, 0)
		d.finish(id)
	default:
		d.log.Debug("deferring to ongoing list", "tid", id)
		d.ongoing[id] = struct{}{}
	}
}

// finish releases the dispatcher's extra reference on id, taken by Submit
// before the transaction was handed over; called exactly once, at the
// point the dispatcher concludes it will never touch id again.
func (d *Dispatcher) finish(id txtable.TID) {
	d.table.Unref(id)
}

// pollOngoing runs §4.3 in poll mode; on a completed response it
// locates the referenced transaction and finishes it.
func (d *Dispatcher) pollOngoing() {
	ack, code := d.engine.Exchange(header.NewPoll(), d.timeout)
	if code == errcode.Fatal {
		d.failAll(errcode.Fatal)
		return
	}
	if code != errcode.OK || !ack.Complete() {
		return
	}

	id := txtable.TID(ack.TID)
	if _, ok := d.ongoing[id]; !ok {
		d.log.Error("ongoing poll reported unknown tid", "tid", id)
		d.failAll(errcode.InvalidTid)
		return
	}
	delete(d.ongoing, id)

	if ack.HasData() && ack.Size != 0 {
		d.receive(id, ack)
		return
	}
	d.table.SetPayloadLen(id, 0)
	d.table.SetFlags(id, txtable.FlagResponse)
	d.finish(id)
}

func (d *Dispatcher) receive(id txtable.TID, incoming header.Header) {
	buf, _ := d.table.Buffer(id)
	bounded := buf[:0:d.table.ResponseCap(id)]
	n, code := d.engine.ReceivePayload(incoming, bounded, d.timeout)
	switch code {
	case errcode.OK:
		d.table.SetPayloadLen(id, n)
		d.table.SetFlags(id, txtable.FlagResponse)
		d.finish(id)
	case errcode.Overflow:
		d.table.SetFlags(id, txtable.FlagOverflow|txtable.FlagError)
		d.finish(id)
	default:
		d.fail(id, code)
	}
}

// fail flags id with error, drops it from the ongoing list if present,
// releases the dispatcher's reference, and escalates per the
// fatal-error policy (spec.md §4.10) whenever code is Fatal — a bus
// failure, a slave-ready timeout, or the protocol engine itself
// exhausting its BadCrc/Nack retry ceiling (spec.md §7): every other
// queued or ongoing transaction is also cancelled with error, then
// onFatal runs (the caller decides whether that means rebooting the
// device).
func (d *Dispatcher) fail(id txtable.TID, code errcode.Code) {
	delete(d.ongoing, id)
	d.table.SetFlags(id, txtable.FlagError)
	d.finish(id)
	if code == errcode.Fatal {
		d.cancelInFlight()
		d.onFatal(code)
	}
}

// failAll cancels every queued and ongoing transaction with error and
// runs the fatal-error policy; used when a poll-mode exchange itself
// fails or reports a tid this dispatcher never deferred, since neither
// case can be attributed to one transaction alone.
func (d *Dispatcher) failAll(code errcode.Code) {
	d.cancelInFlight()
	d.onFatal(code)
}
