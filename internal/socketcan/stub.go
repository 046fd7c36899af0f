//go:build !linux

package socketcan

import "errors"

// ErrUnsupported is returned by Open on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan: unsupported on this platform")

// Open always fails outside linux.
func Open(iface string) (Dev, error) { return nil, ErrUnsupported }
