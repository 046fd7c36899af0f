// Package sink holds the optional network destinations fed by the drain loop.
// Every sink wraps a transport.AsyncSink so a slow or unreachable backend only
// costs dropped sink frames, never a stalled ring.
package sink

import (
	"context"
	"errors"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/logging"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/transport"
)

// ErrQueueFull is returned by SendFrame when a sink's queue is full.
var ErrQueueFull = errors.New("sink queue full")

const defaultQueue = 1024

// newAsync wires the shared hooks: per-sink error and drop metrics.
func newAsync(ctx context.Context, name, errLabel string, queue int, send func(can.Frame) error, onClose func()) *transport.AsyncSink {
	if queue <= 0 {
		queue = defaultQueue
	}
	return transport.NewAsyncSink(ctx, queue, send, sinkHooks(name, errLabel, onClose))
}

// newAsyncBatch is newAsync for destinations that accept several frames per call.
func newAsyncBatch(ctx context.Context, name, errLabel string, queue, maxBatch int, send func([]can.Frame) error, onClose func()) *transport.AsyncSink {
	if queue <= 0 {
		queue = defaultQueue
	}
	return transport.NewAsyncBatchSink(ctx, queue, maxBatch, send, sinkHooks(name, errLabel, onClose))
}

func sinkHooks(name, errLabel string, onClose func()) transport.Hooks {
	return transport.Hooks{
		OnError: func(err error) { reportSinkError(name, errLabel, err) },
		OnDrop: func() error {
			metrics.IncSinkDrop(name)
			return ErrQueueFull
		},
		OnClose: onClose,
	}
}

func reportSinkError(name, errLabel string, err error) {
	metrics.IncError(errLabel)
	logging.L().Warn("sink_write_error", "sink", name, "error", err)
}
