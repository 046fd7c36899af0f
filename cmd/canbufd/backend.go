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
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// initBackend selects the backend and starts its RX loop, the single producer
// of p's ring. It returns a cleanup that closes the device. The loop calls
// stop when the device is gone for good.
func initBackend(ctx context.Context, stop context.CancelFunc, cfg *appConfig, p *pump.Pump, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	switch cfg.backend {
	case "serial":
		return initSerialBackend(ctx, stop, cfg, p, l, wg)
	case "socketcan":
		return initSocketCANBackend(ctx, stop, cfg, p, l, wg)
	default:
		return func() {}, fmt.Errorf("unknown backend %q (use serial|socketcan)", cfg.backend)
	}
}

// enqueueRaw maps a bus frame onto the buffered record and hands it to the
// pump. Frames that cannot be represented are counted and dropped.
func enqueueRaw(p *pump.Pump, raw can.RawFrame, port uint8, l *slog.Logger) {
	fr, err := raw.ToFrame(port)
	if err != nil {
		reason := rejectReason(err)
		metrics.IncRejected(reason)
		l.Debug("frame_rejected", "reason", reason, "can_id", fmt.Sprintf("0x%X", raw.CANID))
		return
	}
	p.Enqueue(fr)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, can.ErrIDRange):
		return metrics.RejectIDRange
	case errors.Is(err, can.ErrPortRange):
		return metrics.RejectPortRange
	case errors.Is(err, can.ErrErrorFrame):
		return metrics.RejectErrorFrame
	default:
		return metrics.RejectOther
	}
}

// backoff doubles the RX retry delay up to rxBackoffMax.
type backoff time.Duration

func (b *backoff) reset() { *b = backoff(rxBackoffMin) }

// wait sleeps for the current delay and returns it, then doubles the delay.
func (b *backoff) wait() time.Duration {
	d := time.Duration(*b)
	sleepFn(d)
	next := d * 2
	if next > rxBackoffMax {
		next = rxBackoffMax
	}
	*b = backoff(next)
	return d
}
