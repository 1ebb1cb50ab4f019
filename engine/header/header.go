// Package header serialises and validates the 8-byte framing header
// exchanged over SPI (spec.md §3, §4.3).
package header

import (
	"encoding/binary"

	"github.com/jangala-dev/visionspi/engine/crc"
	"github.com/jangala-dev/visionspi/engine/errcode"
)

// Flag bits within the header's flag byte (offset 0). Bits 6-7 are
// reserved and must be zero. Treated as an opaque uint8 per the
// design notes rather than a language bitfield.
const (
	FlagAck         byte = 1 << 0
	FlagIsSupported byte = 1 << 1
	FlagTidValid    byte = 1 << 2
	FlagHasData     byte = 1 << 3
	FlagIsMaster    byte = 1 << 4
	FlagComplete    byte = 1 << 5
	flagReservedBit byte = 1<<6 | 1<<7
)

// MasterData is the flag byte a master header carries for a real
// transaction (with a payload): ACK | IS_SUPPORTED | TID_VALID |
// HAS_DATA | IS_MASTER.
const MasterData = FlagAck | FlagIsSupported | FlagTidValid | FlagHasData | FlagIsMaster

// MasterPoll is the flag byte for a poll (id 0, no data): ACK |
// IS_SUPPORTED | TID_VALID | IS_MASTER. TID_VALID here only conveys
// that the master's TID field (0) is meaningful, not that a
// transaction is referenced.
const MasterPoll = FlagAck | FlagIsSupported | FlagTidValid | FlagIsMaster

// Size is the wire length of a header in bytes.
const Size = 8

// Header is the decoded 8-byte frame header.
type Header struct {
	Flags byte
	TID   byte
	CRC   uint16
	Size  uint32
}

func (h Header) Ack() bool         { return h.Flags&FlagAck != 0 }
func (h Header) IsSupported() bool { return h.Flags&FlagIsSupported != 0 }
func (h Header) TidValid() bool    { return h.Flags&FlagTidValid != 0 }
func (h Header) HasData() bool     { return h.Flags&FlagHasData != 0 }
func (h Header) IsMaster() bool    { return h.Flags&FlagIsMaster != 0 }
func (h Header) Complete() bool    { return h.Flags&FlagComplete != 0 }
func (h Header) Reserved() byte    { return h.Flags & flagReservedBit }

// ComputeCRC recomputes the header CRC-16 over this header's flag
// byte, tid and size fields (the crc field itself is never covered).
func (h Header) ComputeCRC() uint16 {
	return crc.Header16(h.Flags, h.TID, h.Size)
}

// NewMaster builds an outgoing master header for a real transaction
// (tid in 1..16, size = payload length) with its CRC already set.
func NewMaster(tid byte, size uint32) Header {
	h := Header{Flags: MasterData, TID: tid, Size: size}
	h.CRC = h.ComputeCRC()
	return h
}

// NewPoll builds an outgoing master poll header (tid 0, size 0) with
// its CRC already set.
func NewPoll() Header {
	h := Header{Flags: MasterPoll, TID: 0, Size: 0}
	h.CRC = h.ComputeCRC()
	return h
}

// Encode serialises h into the 8-byte little-endian wire form.
func Encode(h Header) [Size]byte {
	var buf [Size]byte
	buf[0] = h.Flags
	buf[1] = h.TID
	binary.LittleEndian.PutUint16(buf[2:4], h.CRC)
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	return buf
}

// Decode parses an 8-byte wire header. buf must be exactly Size bytes.
func Decode(buf []byte) Header {
	return Header{
		Flags: buf[0],
		TID:   buf[1],
		CRC:   binary.LittleEndian.Uint16(buf[2:4]),
		Size:  binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// Validate checks an incoming header per spec.md §4.3's validate(h).
// badCRC reports whether the CRC mismatched, so the caller can decide
// whether to pulse the master-error line before retrying.
func Validate(h Header) (code errcode.Code, badCRC bool) {
	if h.CRC != h.ComputeCRC() {
		return errcode.BadCrc, true
	}
	if h.Reserved() != 0 || !h.IsSupported() {
		return errcode.NotSupported, false
	}
	if !h.TidValid() {
		return errcode.InvalidTid, false
	}
	if !h.Ack() {
		return errcode.Nack, false
	}
	return errcode.OK, false
}
