package transport

import (
	"io"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/cnl"
)

// FrameSink is a generic destination for frames drained from the ring.
type FrameSink interface {
	SendFrame(can.Frame) error
}

// SinkFunc adapts a plain function to FrameSink.
type SinkFunc func(can.Frame) error

func (f SinkFunc) SendFrame(fr can.Frame) error { return f(fr) }

// FrameBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type FrameBatchEncoder interface {
	Encode([]can.Frame) []byte
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// Compile-time assertions.
var (
	_ FrameBatchEncoder = (*cnl.Codec)(nil)
	_ FrameSink         = (*AsyncSink)(nil)
)
