package serial

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kstaniek/go-canbuf/internal/can"
)

// uartEnvelope wraps data as the adapter does on its receive link:
// [0x2D, 0xD4, len+1, data..., checksum]
// checksum = (len+1) + 0x2D + sum(data) (mod 256)
func uartEnvelope(data []byte) []byte {
	n := len(data)
	frame := make([]byte, n+4)

	frame[0] = 0x2D
	frame[1] = 0xD4
	frame[2] = byte(n + 1)

	sum := frame[2] + 0x2D
	for i, b := range data {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// build an RX-wire frame: data := ID(4) | PAYLOAD(0..8), then envelope with 2D D4 LEN ... CRC
func rxWire(id uint32, payload []byte) []byte {
	rawID := id & can.CAN_EFF_MASK
	data := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(data[:4], rawID)
	copy(data[4:], payload)
	return uartEnvelope(data)
}

func f(id uint32, data ...byte) can.RawFrame {
	var fr can.RawFrame
	fr.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	fr.Len = uint8(len(data))
	copy(fr.Data[:], data)
	return fr
}

func TestSerialCodec_RoundTrip_Chunked(t *testing.T) {
	codec := Codec{}

	want := []can.RawFrame{
		f(0x0001E5A, 0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7), // 8B
		f(0x0001F55, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6),             // 6B
		f(0x0123456, 0x9A, 0xBC),                                     // 2B
		f(0x01ABCDE, 0xDE, 0xAD, 0xBE),                               // 3B
		f(0x0000042),                                                 // 0B
	}

	// Build a continuous RX stream (ID|PAYLOAD wrapped in UART envelope)
	stream := make([]byte, 0, 512)
	for _, fr := range want {
		stream = append(stream, rxWire(fr.CANID, fr.Data[:fr.Len])...)
	}

	var buf bytes.Buffer
	got := make([]can.RawFrame, 0, len(want))

	// Feed in irregular small chunks to stress preamble alignment & partials.
	chunkSizes := []int{1, 2, 3, 4, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		buf.Write(stream[pos : pos+n])
		pos += n

		if err := codec.DecodeStream(&buf, func(fr can.RawFrame) {
			got = append(got, fr)
		}); err != nil {
			t.Fatalf("DecodeStream error: %v", err)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d mismatch\n got  id=0x%X len=%d data=% X\n want id=0x%X len=%d data=% X",
				i,
				got[i].CANID, got[i].Len, got[i].Data[:got[i].Len],
				want[i].CANID, want[i].Len, want[i].Data[:want[i].Len])
		}
	}
}

func TestSerialCodec_ResyncAfterGarbage(t *testing.T) {
	codec := Codec{}
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x2D, 0x11, 0xFF})
	buf.Write(rxWire(0x1234, []byte{1, 2}))

	var got []can.RawFrame
	if err := codec.DecodeStream(&buf, func(fr can.RawFrame) { got = append(got, fr) }); err != nil {
		t.Fatalf("DecodeStream error: %v", err)
	}
	if len(got) != 1 || got[0] != f(0x1234, 1, 2) {
		t.Fatalf("unexpected frames %+v", got)
	}
	fr, err := got[0].ToFrame(3)
	if err != nil {
		t.Fatalf("ToFrame: %v", err)
	}
	if fr.ID != 0x1234 || fr.Port != 3 || fr.Len != 2 {
		t.Fatalf("unexpected mapped frame %+v", fr)
	}
}

func TestCompactBufferSkipsSmall(t *testing.T) {
	var b bytes.Buffer
	b.Write([]byte{1, 2, 3})
	if CompactBuffer(&b) {
		t.Fatalf("small buffer should not be compacted")
	}
	if !bytes.Equal(b.Bytes(), []byte{1, 2, 3}) {
		t.Fatalf("buffer modified: % X", b.Bytes())
	}
}

func TestSerialCodec_KeepsTrailingPreambleByte(t *testing.T) {
	codec := Codec{}
	wire := rxWire(0x77, []byte{5})
	var buf bytes.Buffer
	buf.Write([]byte{0x11, 0x22})
	buf.WriteByte(wire[0]) // 0x2D alone at the end

	var got []can.RawFrame
	emit := func(fr can.RawFrame) { got = append(got, fr) }
	if err := codec.DecodeStream(&buf, emit); err != nil {
		t.Fatalf("DecodeStream error: %v", err)
	}
	if buf.Len() != 1 {
		t.Fatalf("expected 1 buffered byte, got %d", buf.Len())
	}
	buf.Write(wire[1:])
	if err := codec.DecodeStream(&buf, emit); err != nil {
		t.Fatalf("DecodeStream error: %v", err)
	}
	if len(got) != 1 || got[0] != f(0x77, 5) {
		t.Fatalf("unexpected frames %+v", got)
	}
}

func TestParseFrameLengthBounds(t *testing.T) {
	for _, ln := range []byte{minLn - 1, maxLn + 1} {
		if _, _, res := parseFrame([]byte{pre0, pre1, ln}); res != parseBad {
			t.Fatalf("len %d: expected parseBad, got %v", ln, res)
		}
	}
	if _, _, res := parseFrame([]byte{pre0, pre1, minLn, 0}); res != parseNeedMore {
		t.Fatalf("expected parseNeedMore for partial frame")
	}
}
