package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-canbuf/internal/metrics"
)

// startMetricsLogger periodically logs metrics.Snap when interval > 0.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"serial_rx", snap.SerialRx,
					"socketcan_rx", snap.SocketCANRx,
					"rejected", snap.Rejected,
					"pushed", snap.Pushed,
					"popped", snap.Popped,
					"overwritten", snap.Overwritten,
					"depth", snap.Depth,
					"data_lost", snap.DataLost,
					"sink_frames", snap.SinkFrames,
					"sink_drops", snap.SinkDrops,
					"tcp_tx", snap.TCPTx,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
