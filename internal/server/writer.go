package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/hub"
	"github.com/kstaniek/go-canbuf/internal/metrics"
)

// connWriter batches a client's frames into one write per flush.
type connWriter struct {
	s     *Server
	conn  net.Conn
	batch []can.Frame
	buf   bytes.Buffer
}

func (w *connWriter) add(fr can.Frame) error {
	w.batch = append(w.batch, fr)
	if len(w.batch) >= w.s.batchSize {
		return w.flush()
	}
	return nil
}

func (w *connWriter) flush() error {
	n := len(w.batch)
	if n == 0 {
		return nil
	}
	w.buf.Reset()
	_, _ = w.s.Codec.EncodeTo(&w.buf, w.batch) // bytes.Buffer writes do not fail
	w.batch = w.batch[:0]
	if _, err := w.conn.Write(w.buf.Bytes()); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
		w.s.fail(wrap)
		return wrap
	}
	metrics.AddTCPTx(n)
	return nil
}

// startWriter launches the goroutine pushing hub frames to a single client connection.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.forget(cl)
			s.counters.disconnected.Add(1)
			logger.Info("client_disconnected", "dropped", cl.Dropped())
		}()
		w := &connWriter{s: s, conn: conn, batch: make([]can.Frame, 0, s.batchSize)}
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		for {
			select {
			case fr := <-cl.Out:
				if w.add(fr) != nil {
					return
				}
			case <-t.C:
				if w.flush() != nil {
					return
				}
			case <-cl.Closed:
				_ = w.flush()
				return
			case <-ctxDone:
				_ = w.flush()
				return
			}
		}
	}()
}
