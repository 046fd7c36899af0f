package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/pump"
	"github.com/kstaniek/go-canbuf/internal/serial"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initSerialBackend opens the UART and launches the RX loop.
func initSerialBackend(ctx context.Context, stop context.CancelFunc, cfg *appConfig, p *pump.Pump, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud, "port", cfg.port)
	port := uint8(cfg.port)
	serCodec := serial.Codec{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		acc := bytes.NewBuffer(nil)
		var bo backoff
		bo.reset()
		onFrame := func(raw can.RawFrame) { enqueueRaw(p, raw, port, l) }
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = serCodec.DecodeStream(acc, onFrame)
				if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				bo.reset()
			}
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					// Nothing feeds the ring any more: shut the process down.
					metrics.IncError(metrics.ErrSerialRead)
					l.Error("serial_device_lost", "error", err)
					stop()
					return
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // read timeout on tarm/serial
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "error", err, "backoff", time.Duration(bo))
				bo.wait()
			}
		}
	}()
	return func() { _ = sp.Close() }, nil
}
