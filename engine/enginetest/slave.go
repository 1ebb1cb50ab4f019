package enginetest

import (
	"sync"

	"github.com/jangala-dev/visionspi/engine/crc"
	"github.com/jangala-dev/visionspi/engine/header"
)

// Slave is a minimal simulated Myriad device, good enough to drive the
// device-level submit/reset scenarios of spec.md §8 end to end: it
// answers the master header exchange, accepts a transaction's payload,
// and optionally defers its response to a later poll, computing the
// response via Respond. It assumes one in-flight exchange at a time,
// matching the single-threaded dispatcher driving it. Response payloads
// are served whole on the first chunk read, so scenarios exercising
// transport.MaxChunk-spanning responses need a hand-scripted fake
// instead (see protocol_test.go's scriptedSlave).
type Slave struct {
	// Respond decides the response for a request; ok=false means a
	// write-only transaction (no response payload at all).
	Respond func(tid byte, request []byte) (response []byte, ok bool)
	// Deferred, when true, makes every transaction's payload-ack report
	// COMPLETE=0; the transaction only completes once a later poll is
	// served, exercising the ongoing-list path (spec.md §4.6).
	Deferred bool
	// CorruptHeaderCRCs is decremented on every reply this slave would
	// otherwise send correctly, until it reaches zero; while positive,
	// each reply instead carries a deliberately wrong CRC (spec.md §8's
	// CRC-retry-recovery/exhaustion properties). The underlying decision
	// (what the reply would say) is computed once and cached, so a long
	// run of corrupted retries never re-evaluates Respond.

	CorruptHeaderCRCs int

	mu     sync.Mutex
	cursor int

	phase      slavePhase
	pendingHdr *header.Header // decoded master header, cached across retries

	reply     []byte     // the correct reply due for the current step, once decided
	nextPhase slavePhase // phase to commit to once reply is actually returned

	respPayload []byte

	haveDeferred bool
	deferredTID  byte
	deferredRsp  []byte
}

type slavePhase int

const (
	phaseAwaitMaster slavePhase = iota
	phaseAwaitPayload
	phaseServePayload
	phaseServeCRC
)

// Attach wires the slave's exchange logic onto bus and returns bus for
// convenient chaining at construction time.
func (s *Slave) Attach(bus *SPIBus) *SPIBus {
	bus.Exchange = func(w []byte) []byte { return s.exchange(bus, w) }
	return bus
}

func okCRC(h header.Header) []byte {
	h.CRC = h.ComputeCRC()
	buf := header.Encode(h)
	return buf[:]
}

func badCRC(h header.Header) []byte {
	h.CRC = h.ComputeCRC() ^ 0x1
	buf := header.Encode(h)
	return buf[:]
}

// exchange is invoked on every read-direction Tx call; w is always nil
// (the fake SPIBus only calls Exchange for reads), so new input is read
// from bus.Writes since the cursor last advanced.
func (s *Slave) exchange(bus *SPIBus, _ []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	bus.mu.Lock()
	newWrites := append([][]byte(nil), bus.Writes[s.cursor:]...)
	s.cursor = len(bus.Writes)
	bus.mu.Unlock()

	var in []byte
	for _, w := range newWrites {
		in = append(in, w...)
	}

	switch s.phase {
	case phaseServePayload:
		out := s.respPayload
		s.phase = phaseServeCRC
		return out
	case phaseServeCRC:
		sum := crc.Payload32(s.respPayload)
		s.phase = phaseAwaitMaster
		s.pendingHdr, s.respPayload, s.reply = nil, nil, nil
		return []byte{byte(sum), byte(sum >> 8), byte(sum >> 16), byte(sum >> 24)}
	}

	if len(in) > 0 {
		switch s.phase {
		case phaseAwaitMaster:
			h := header.Decode(in)
			s.pendingHdr = &h
			s.decideMasterReply()
		case phaseAwaitPayload:
			if s.pendingHdr != nil && len(in) >= int(s.pendingHdr.Size) {
				payload := append([]byte(nil), in[:s.pendingHdr.Size]...)
				s.decidePayloadReply(s.pendingHdr.TID, payload)
			}
		}
	}

	if s.reply == nil {
		// No new bytes and nothing already decided: nothing to say yet
		// (e.g. a poll with no pending completion re-evaluated below).
		if s.phase == phaseAwaitMaster && s.pendingHdr == nil {
			s.decideMasterReply()
		}
	}

	if s.CorruptHeaderCRCs > 0 && s.reply != nil {
		s.CorruptHeaderCRCs--
		return badCRC(decodeReplyHeader(s.reply))
	}

	out := s.reply
	if out != nil {
		s.phase = s.nextPhase
		if s.phase != phaseAwaitPayload {
			s.pendingHdr = nil
		}
		s.reply = nil
	}
	return out
}

func decodeReplyHeader(buf []byte) header.Header { return header.Decode(buf) }

// decideMasterReply computes the answer to a freshly-decoded (or absent,
// for a re-polled) master header: a poll (tid 0) reports a deferred
// completion if one is pending, or nothing yet; a real transaction header
// is simply acknowledged, with the transaction body handled once its
// payload arrives.
func (s *Slave) decideMasterReply() {
	h := s.pendingHdr
	if h == nil || h.TID == 0 {
		if s.haveDeferred {
			s.haveDeferred = false
			tid, rsp := s.deferredTID, s.deferredRsp
			if len(rsp) == 0 {
				s.reply = replyHeader(tid, true, true, false, 0)
				s.nextPhase = phaseAwaitMaster
				return
			}
			s.respPayload = rsp
			s.reply = replyHeader(tid, true, true, true, uint32(len(rsp)))
			s.nextPhase = phaseServePayload
			return
		}
		s.reply = replyHeader(0, true, false, false, 0)
		s.nextPhase = phaseAwaitMaster
		return
	}
	s.reply = replyHeader(h.TID, true, false, false, 0)
	s.nextPhase = phaseAwaitPayload
}

// decidePayloadReply computes the acknowledgement that follows a payload
// + CRC-32 write (spec.md §4.4): deferred transactions report
// COMPLETE=0 and park their computed response until a later poll;
// immediate ones report it right away.
func (s *Slave) decidePayloadReply(tid byte, payload []byte) {
	respond := s.Respond
	if respond == nil {
		respond = func(_ byte, req []byte) ([]byte, bool) { return req, true }
	}
	rsp, ok := respond(tid, payload)

	if s.Deferred {
		s.haveDeferred = true
		s.deferredTID = tid
		if ok {
			s.deferredRsp = rsp
		} else {
			s.deferredRsp = nil
		}
		s.reply = replyHeader(tid, true, false, false, 0)
		s.nextPhase = phaseAwaitMaster
		return
	}

	if !ok {
		s.reply = replyHeader(tid, true, true, false, 0)
		s.nextPhase = phaseAwaitMaster
		return
	}
	s.respPayload = rsp
	s.reply = replyHeader(tid, true, true, true, uint32(len(rsp)))
	s.nextPhase = phaseServePayload
}

func replyHeader(tid byte, ack, complete, hasData bool, size uint32) []byte {
	flags := header.FlagIsSupported | header.FlagTidValid
	if ack {
		flags |= header.FlagAck
	}
	if complete {
		flags |= header.FlagComplete
	}
	if hasData {
		flags |= header.FlagHasData
	}
	h := header.Header{Flags: flags, TID: tid, Size: size}
	return okCRC(h)
}
