// Package serial decodes the receive stream of a CAN-UART adapter.
//
// Each frame on the wire is wrapped in an envelope:
//
//	2D D4          preamble
//	LL             length = ID(4) + payload(0..8) + checksum(1)
//	II II II II    CAN ID, big endian, always extended
//	..             payload
//	CC             checksum = 0x2D + LL + sum(ID and payload bytes), mod 256
package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/metrics"
)

const (
	pre0 = 0x2D
	pre1 = 0xD4

	minLn = 4 + 0 + 1 // DLC=0
	maxLn = 4 + 8 + 1 // DLC=8

	compactMin = 1024
)

var preamble = []byte{pre0, pre1}

// Codec decodes the CAN-UART receive stream. Stateless.
type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when the buffer's backing
// array is more than four times the unread bytes. It returns true if it copied.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < compactMin || len(data)*4 >= cap(data) {
		return false
	}
	clone := bytes.Clone(data)
	b.Reset()
	_, _ = b.Write(clone)
	return true
}

type parseResult int

const (
	parseNeedMore parseResult = iota
	parseOK
	parseBad
)

// parseFrame decodes the envelope at the start of data, which must begin with
// the preamble. n is the number of bytes the frame occupies when ok.
func parseFrame(data []byte) (fr can.RawFrame, n int, res parseResult) {
	if len(data) < 3 {
		return fr, 0, parseNeedMore
	}
	ln := int(data[2])
	if ln < minLn || ln > maxLn {
		return fr, 0, parseBad
	}
	n = 3 + ln
	if len(data) < n {
		return fr, 0, parseNeedMore
	}
	sum := byte(pre0) + data[2]
	for _, b := range data[3 : n-1] {
		sum += b
	}
	if sum != data[n-1] {
		return fr, 0, parseBad
	}
	fr.CANID = binary.BigEndian.Uint32(data[3:7]) | can.CAN_EFF_FLAG
	payload := data[7 : n-1]
	fr.Len = uint8(len(payload))
	copy(fr.Data[:], payload)
	return fr, n, parseOK
}

// DecodeStream consumes complete frames from in and emits them via out.
// Partial frames stay buffered for the next call; garbage and frames with a
// bad length or checksum are skipped one byte at a time and counted as
// malformed. It always returns nil.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.RawFrame)) error {
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		i := bytes.Index(data, preamble)
		if i < 0 {
			// Keep a trailing first preamble byte; its partner may be next.
			if len(data) > 0 && data[len(data)-1] == pre0 {
				in.Next(len(data) - 1)
			} else {
				in.Reset()
			}
			return nil
		}
		in.Next(i)
		fr, n, res := parseFrame(in.Bytes())
		switch res {
		case parseNeedMore:
			return nil
		case parseBad:
			metrics.IncMalformed()
			in.Next(1)
		case parseOK:
			in.Next(n)
			metrics.IncSerialRx()
			out(fr)
		}
	}
}
