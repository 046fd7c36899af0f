package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/pump"
	"github.com/kstaniek/go-canbuf/internal/socketcan"
)

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

// initSocketCANBackend binds the raw CAN socket and launches the RX loop.
func initSocketCANBackend(ctx context.Context, _ context.CancelFunc, cfg *appConfig, p *pump.Pump, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return func() {}, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf, "port", cfg.port)
	port := uint8(cfg.port)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("socketcan_rx_end")
		var bo backoff
		bo.reset()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var raw can.RawFrame
			if err := dev.ReadFrame(&raw); err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				if errors.Is(err, socketcan.ErrReadTimeout) {
					continue
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("socketcan_read_error", "error", err, "backoff", time.Duration(bo))
				bo.wait()
				continue
			}
			metrics.IncSocketCANRx()
			enqueueRaw(p, raw, port, l)
			bo.reset()
		}
	}()
	return func() { _ = dev.Close() }, nil
}
