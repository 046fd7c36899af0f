package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-canbuf/internal/metrics"

	"github.com/kstaniek/go-canbuf/internal/can"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
//
// Buffered frames carry a 16-bit identifier; on the wire it is widened to the
// SocketCAN layout, with the EFF flag set for identifiers above the 11-bit range.
// The port nibble is not part of the cannelloni format and is not transmitted.
type Codec struct{}

// ErrInvalidLength is returned when a frame length (DLC) is outside 0..8.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// ErrIDRange is returned when a decoded identifier does not fit 16 bits.
var ErrIDRange = errors.New("cannelloni: identifier out of range")

// WireID returns the 32-bit cannelloni identifier for f.
func WireID(f can.Frame) uint32 {
	id := uint32(f.ID)
	if id > can.CAN_SFF_MASK {
		id |= can.CAN_EFF_FLAG
	}
	return id
}

// Encode packs frames into a single cannelloni packet (DATA).
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	// Pre-size: worst case per frame = 4(id)+1(len)+8(data)
	buf.Grow(len(frames) * (4 + 1 + 8))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
// Each frame is encoded as: 4-byte BE CANID, 1-byte length, payload (at most 8 bytes).
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	for _, f := range frames {
		payload := f.Payload()
		var hdr [5]byte
		binary.BigEndian.PutUint32(hdr[:4], WireID(f))
		hdr[4] = byte(len(payload))
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if len(payload) > 0 {
			n, err = w.Write(payload)
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return f, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	id := binary.BigEndian.Uint32(hdr[:4]) & can.CAN_EFF_MASK
	if id > can.MaxID {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (0x%X)", ErrIDRange, id)
	}
	f.ID = uint16(id)
	ln := int(hdr[4] & 0x7F) // high bit masked per protocol (future flags?)
	if ln > 8 {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
