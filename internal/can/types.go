package can

import (
	"encoding/binary"
	"errors"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

const (
	// FrameSize is the length of the flat frame encoding.
	FrameSize = 11
	// MaxPort and MaxLen are the largest values that fit the 4-bit fields.
	MaxPort = 0x0F
	MaxLen  = 0x0F
	// MaxID is the largest identifier the 16-bit field can hold.
	MaxID = 0xFFFF
)

var (
	ErrShortFrame = errors.New("can: short frame")
	ErrIDRange    = errors.New("can: identifier does not fit 16 bits")
	ErrPortRange  = errors.New("can: port out of range")
	ErrErrorFrame = errors.New("can: error frame")
)

// Frame is the buffered message record: 16-bit identifier, 8 payload bytes,
// 4-bit logical port and 4-bit declared length.
//
// Len is the declared payload length; Data is always carried in full.
type Frame struct {
	ID   uint16
	Data [8]byte
	Port uint8
	Len  uint8
}

// Empty is the all-zero frame handed out when a read finds nothing queued.
var Empty Frame

// IsZero reports whether f is indistinguishable from Empty.
func (f Frame) IsZero() bool { return f == Empty }

// Payload returns the valid bytes of Data according to Len (capped at 8).
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

// Encode returns the 11-byte flat layout of f:
//
//	[0:2]  ID, little-endian
//	[2:10] Data[0..7]
//	[10]   Len<<4 | Port  (Port in the low nibble, Len in the high nibble)
//
// Port and Len are truncated to 4 bits.
func Encode(f Frame) [FrameSize]byte {
	var b [FrameSize]byte
	binary.LittleEndian.PutUint16(b[0:2], f.ID)
	copy(b[2:10], f.Data[:])
	b[10] = (f.Len&MaxLen)<<4 | f.Port&MaxPort
	return b
}

// AppendEncode appends the flat layout of f to dst.
func AppendEncode(dst []byte, f Frame) []byte {
	b := Encode(f)
	return append(dst, b[:]...)
}

// Decode parses the first FrameSize bytes of b.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if len(b) < FrameSize {
		return f, ErrShortFrame
	}
	f.ID = binary.LittleEndian.Uint16(b[0:2])
	copy(f.Data[:], b[2:10])
	f.Port = b[10] & MaxPort
	f.Len = b[10] >> 4
	return f, nil
}

// RawFrame is a classic CAN frame as read from a backend.
// CANID contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8); only the first Len bytes are valid.
type RawFrame struct {
	CANID uint32
	Len   uint8
	Data  [8]byte
}

// ToFrame maps a bus frame onto the buffered record, tagging it with port.
func (r RawFrame) ToFrame(port uint8) (Frame, error) {
	var f Frame
	if r.CANID&CAN_ERR_FLAG != 0 {
		return f, ErrErrorFrame
	}
	if port > MaxPort {
		return f, ErrPortRange
	}
	id := r.CANID & CAN_EFF_MASK
	if id > MaxID {
		return f, ErrIDRange
	}
	f.ID = uint16(id)
	f.Port = port
	f.Len = r.Len
	if f.Len > 8 {
		f.Len = 8
	}
	copy(f.Data[:], r.Data[:f.Len])
	return f, nil
}
