// Package wire frames the datagrams exchanged on the data channel. Every
// measurement packet starts with a fixed 13-byte header followed by padding
// up to the command's packet size; the padding bytes are never inspected.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeadLen is the fixed size of an encoded DataHead: 8+2+2+1 bytes.
const HeadLen = 13

// DataHead is the data-packet header. Fields are little-endian on the wire
// so heterogeneous endpoints interoperate.
type DataHead struct {
	// Timestamp is the sender's clock in nanoseconds since an arbitrary
	// epoch. Only the sender's own clock ever reads it back, so no
	// synchronization between peers is required.
	Timestamp int64
	Sequence  uint16
	// Length is the payload byte count following the header.
	Length uint16
	// Token ties the packet to one in-flight command.
	Token byte
}

// Put encodes h into the first HeadLen bytes of b.
func (h *DataHead) Put(b []byte) {
	_ = b[HeadLen-1]
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.Timestamp))
	binary.LittleEndian.PutUint16(b[8:10], h.Sequence)
	binary.LittleEndian.PutUint16(b[10:12], h.Length)
	b[12] = h.Token
}

// ParseHead decodes the header of one received datagram.
func ParseHead(b []byte) (DataHead, error) {
	if len(b) < HeadLen {
		return DataHead{}, fmt.Errorf("short packet: %d bytes", len(b))
	}
	return DataHead{
		Timestamp: int64(binary.LittleEndian.Uint64(b[0:8])),
		Sequence:  binary.LittleEndian.Uint16(b[8:10]),
		Length:    binary.LittleEndian.Uint16(b[10:12]),
		Token:     b[12],
	}, nil
}
