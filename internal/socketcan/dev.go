package socketcan

import (
	"errors"
	"time"

	"github.com/kstaniek/go-canbuf/internal/can"
)

// ErrReadTimeout is returned by ReadFrame when no frame arrived in time.
var ErrReadTimeout = errors.New("socketcan: read timeout")

const readTimeout = 500 * time.Millisecond

// Dev is the receive side of a CAN device. Implemented by *Device on linux
// and by fakes in tests.
type Dev interface {
	ReadFrame(*can.RawFrame) error
	Close() error
}
