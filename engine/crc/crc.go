// Package crc implements the two checksums the wire protocol uses:
// a CRC-16 over framing headers and a reflected CRC-32 over payloads.
package crc

import (
	"hash/crc32"

	"github.com/sigurn/crc16"
)

// header16Table is CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF,
// MSB-first, no reflection, no final xor. This is the variant
// spec.md §4.1 calls "XMODEM CRC-16".
var header16Table = crc16.MakeTable(crc16.CCITT_FALSE)

// Header16 computes the header checksum over flagByte, tid and the
// little-endian-encoded size field, in that order — the same byte
// sequence the wire header covers (the CRC field itself is excluded).
func Header16(flagByte, tid byte, size uint32) uint16 {
	buf := [6]byte{
		flagByte,
		tid,
		byte(size),
		byte(size >> 8),
		byte(size >> 16),
		byte(size >> 24),
	}
	return crc16.Checksum(buf[:], header16Table)
}

// Payload32 computes the standard reflected CRC-32 (IEEE / ZIP /
// Ethernet variant: poly 0xEDB88320, init 0xFFFFFFFF, final xor
// 0xFFFFFFFF) over a payload buffer.
func Payload32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
