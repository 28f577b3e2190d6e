package tp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Frame identifier flag bits, matching the SocketCAN can_id layout.
const (
	FlagExtended uint32 = 0x80000000
	FlagRTR      uint32 = 0x40000000

	// AddressMask selects the 29 address bits of a frame identifier.
	AddressMask uint32 = 0x1FFFFFFF
)

// FrameDataSize is the payload capacity of one bus frame.
const FrameDataSize = 8

// Frame is a single bus transmission unit. The high two bits of ID carry
// the extended-id and remote-request flags; the core forwards them verbatim
// and never interprets them. Bytes of Data beyond Len are indeterminate.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [FrameDataSize]byte
}

// Address returns the 29-bit address portion of the identifier.
func (f Frame) Address() uint32 {
	return f.ID & AddressMask
}

// Extended reports whether the extended-id flag bit is set.
func (f Frame) Extended() bool {
	return f.ID&FlagExtended != 0
}

// RTR reports whether the remote-request flag bit is set.
func (f Frame) RTR() bool {
	return f.ID&FlagRTR != 0
}

func (f Frame) String() string {
	idStr := fmt.Sprintf("%03x", f.Address())
	if f.Extended() {
		idStr = fmt.Sprintf("%08x", f.Address())
	}
	return fmt.Sprintf("<Frame %s [%d] \"%s\">", idStr, f.Len, hex.EncodeToString(f.Data[:f.Len]))
}

// frameWireSize is the length of the fixed struct can_frame layout used by
// MarshalBinary: 4 bytes id, 1 byte length, 3 bytes padding, 8 bytes data.
const frameWireSize = 16

// MarshalBinary encodes the frame in the little-endian struct can_frame
// layout. Flag bits ride in the identifier word.
func (f Frame) MarshalBinary() ([]byte, error) {
	if f.Len > FrameDataSize {
		return nil, InvalidArgumentError{NewTransportError(fmt.Sprintf("frame length %d exceeds %d", f.Len, FrameDataSize))}
	}
	buf := make([]byte, frameWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.ID)
	buf[4] = f.Len
	copy(buf[8:], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the struct can_frame layout.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) != frameWireSize {
		return InvalidArgumentError{NewTransportError(fmt.Sprintf("frame record must be %d bytes, got %d", frameWireSize, len(data)))}
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	length := data[4]
	if length > FrameDataSize {
		return MalformedFrameError{NewTransportError(fmt.Sprintf("frame record declares %d data bytes", length))}
	}
	f.ID = id
	f.Len = length
	copy(f.Data[:], data[8:])
	return nil
}
