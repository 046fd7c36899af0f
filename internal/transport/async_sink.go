package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canbuf/internal/can"
)

// AsyncSink funnels frame deliveries to a slow destination (broker, database)
// through a single goroutine. SendFrame never blocks: if the internal queue is
// full it invokes the OnDrop hook and returns its error. This keeps the drain
// loop from stalling behind a wedged sink, which would otherwise back up the
// ring and cause overwrites.
//
// Life-cycle:
//
//	a := NewAsyncSink(ctx, queue, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
//
// Close delivers every frame queued before it was called, then stops the
// worker. Cancelling ctx instead stops the worker at once; frames still
// queued are passed to OnDrop and later sends fail with ErrAsyncSinkClosed.
type AsyncSink struct {
	mu       sync.Mutex
	ch       chan can.Frame
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	send     func([]can.Frame) error
	maxBatch int
	hooks    Hooks
	closed   atomic.Bool // set when Close is called; prevents enqueue after shutdown
}

// Hooks customize AsyncSink behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frames not delivered).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the queue is full, and once per frame discarded
	// on cancellation; its returned error is returned from SendFrame. If nil,
	// the overflow is silent.
	OnDrop func() error
	// OnClose runs on the worker goroutine after it stops (flush/close clients).
	OnClose func()
}

// ErrAsyncSinkClosed is returned by SendFrame after Close or once the
// sink's context is done.
var ErrAsyncSinkClosed = errors.New("async sink closed")

// NewAsyncSink constructs an AsyncSink with a buffered queue of size buf that
// delivers one frame per send call.
func NewAsyncSink(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncSink {
	return NewAsyncBatchSink(parent, buf, 1, func(frs []can.Frame) error { return send(frs[0]) }, hooks)
}

// NewAsyncBatchSink is like NewAsyncSink but hands send every frame already
// queued, up to maxBatch, in one call. Frames keep their queue order.
func NewAsyncBatchSink(parent context.Context, buf, maxBatch int, send func([]can.Frame) error, hooks Hooks) *AsyncSink {
	if buf <= 0 {
		buf = 1
	}
	if maxBatch <= 0 {
		maxBatch = 1
	}
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncSink{
		ch:       make(chan can.Frame, buf),
		ctx:      ctx,
		cancel:   cancel,
		send:     send,
		maxBatch: maxBatch,
		hooks:    hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncSink) loop() {
	defer a.wg.Done()
	if a.hooks.OnClose != nil {
		defer a.hooks.OnClose()
	}
	batch := make([]can.Frame, 0, a.maxBatch)
	for {
		if a.ctx.Err() != nil {
			a.discard()
			return
		}
		select {
		case fr, ok := <-a.ch:
			if !ok { // closed after the last queued frame
				return
			}
			batch = append(batch[:0], fr)
			open := a.fill(&batch)
			a.deliver(batch)
			if !open {
				return
			}
		case <-a.ctx.Done():
			a.discard()
			return
		}
	}
}

// fill appends already-queued frames to batch without blocking. It reports
// false once the channel is closed.
func (a *AsyncSink) fill(batch *[]can.Frame) bool {
	for len(*batch) < a.maxBatch {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return false
			}
			*batch = append(*batch, fr)
		default:
			return true
		}
	}
	return true
}

func (a *AsyncSink) deliver(batch []can.Frame) {
	if err := a.send(batch); err != nil {
		if a.hooks.OnError != nil {
			a.hooks.OnError(err)
		}
		return
	}
	if a.hooks.OnAfter != nil {
		a.hooks.OnAfter()
	}
}

// discard empties the queue after cancellation, reporting each frame as dropped.
func (a *AsyncSink) discard() {
	for {
		select {
		case _, ok := <-a.ch:
			if !ok {
				return
			}
			if a.hooks.OnDrop != nil {
				_ = a.hooks.OnDrop()
			}
		default:
			return
		}
	}
}

// SendFrame queues a frame for asynchronous delivery or returns the drop
// error if the queue is full.
func (a *AsyncSink) SendFrame(fr can.Frame) error {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if a.closed.Load() || a.ctx.Err() != nil {
		return ErrAsyncSinkClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncSinkClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close delivers the frames still queued, stops the worker and waits for it
// to exit. A send blocked on the destination delays Close until it returns or
// the sink's context is cancelled.
func (a *AsyncSink) Close() {
	if a.closed.Swap(true) { // already closed
		return
	}
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
	a.cancel()
}
