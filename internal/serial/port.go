package serial

import (
	"io"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability. Only the receive side is used.
type Port interface {
	io.ReadCloser
}

// Open opens the named serial device at baud with the given read timeout.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
