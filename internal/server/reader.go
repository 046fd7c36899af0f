package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

const discardBufSize = 512

// startReader drains whatever the client sends so that a closed peer is noticed
// promptly. Client frames are never forwarded to the bus.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		buf := make([]byte, discardBufSize)
		warned := false
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := conn.Read(buf)
			if n > 0 {
				s.counters.discardedBytes.Add(uint64(n))
				if !warned {
					logger.Debug("client_data_discarded", "bytes", n)
					warned = true
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					select {
					case <-ctxDone:
						return
					default:
					}
					continue
				}
				s.fail(fmt.Errorf("%w: %v", ErrConnRead, err))
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}
