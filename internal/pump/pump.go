// Package pump moves frames from the receive ring to the configured sinks.
//
// The RX loop is the ring's only producer and calls Enqueue; Run is the only
// consumer. Run waits for a wake-up from Enqueue (or a poll tick), drains a
// batch into every sink and then reports overwrites recorded by the ring.
package pump

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/canbuf"
	"github.com/kstaniek/go-canbuf/internal/logging"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/transport"
)

const (
	defaultPollInterval = 5 * time.Millisecond
	defaultBatch        = canbuf.Capacity
)

// Sink is a named frame destination. Name labels metrics and logs.
type Sink struct {
	Name string
	transport.FrameSink
}

// Pump owns the consumer side of a ring.
type Pump struct {
	ring   *canbuf.Ring
	wake   chan struct{}
	sinks  []Sink
	logger *slog.Logger

	pollInterval time.Duration
	batch        int

	last       canbuf.Stats
	unreported uint64
}

type Option func(*Pump)

func WithSinks(s ...Sink) Option { return func(p *Pump) { p.sinks = append(p.sinks, s...) } }

func WithLogger(l *slog.Logger) Option {
	return func(p *Pump) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pump) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithBatch(n int) Option {
	return func(p *Pump) {
		if n > 0 {
			p.batch = n
		}
	}
}

// New creates a pump draining r.
func New(r *canbuf.Ring, opts ...Option) *Pump {
	p := &Pump{
		ring:         r,
		wake:         make(chan struct{}, 1),
		logger:       logging.L(),
		pollInterval: defaultPollInterval,
		batch:        defaultBatch,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Ring returns the ring the pump drains.
func (p *Pump) Ring() *canbuf.Ring { return p.ring }

// Enqueue pushes f into the ring and wakes the drain loop. It never blocks.
// Must only be called from the single producer goroutine.
func (p *Pump) Enqueue(f can.Frame) {
	p.ring.Push(f)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drains the ring until ctx is cancelled, then drains whatever is left
// and returns nil. Must only be called once.
func (p *Pump) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()
	p.logger.Info("pump_start", "sinks", len(p.sinks), "batch", p.batch, "poll", p.pollInterval)
	for {
		select {
		case <-ctx.Done():
			// The ring never holds more than Capacity frames.
			p.drain(canbuf.Capacity)
			p.report()
			p.logger.Info("pump_end")
			return nil
		case <-p.wake:
		case <-t.C:
		}
		if p.drain(p.batch) == p.batch {
			// More may be queued; come back without waiting for the producer.
			select {
			case p.wake <- struct{}{}:
			default:
			}
		}
		p.report()
	}
}

// drain pops up to max frames and hands each to every sink.
func (p *Pump) drain(max int) int {
	n := 0
	for n < max {
		fr, ok := p.ring.TryPop()
		if !ok {
			break
		}
		n++
		for _, s := range p.sinks {
			if err := s.SendFrame(fr); err != nil {
				p.logger.Debug("sink_error", "sink", s.Name, "error", err, "can_id", fr.ID, "port", fr.Port)
				continue
			}
			metrics.IncSinkFrame(s.Name)
		}
	}
	return n
}

// report publishes ring counters and handles the data-lost flag.
func (p *Pump) report() {
	// Take the flag before reading counters: Push bumps the counter before
	// raising the flag, so a seen flag always has its overwrite counted.
	lost := p.ring.TakeDataLost()
	p.account(lost, p.ring.Stats())
}

// account folds a counter snapshot into the metrics. Overwrites accumulate
// until a raised flag is seen; an overwrite counted just before its flag goes
// up is therefore reported with that flag, not lost in between.
func (p *Pump) account(lost bool, st canbuf.Stats) {
	over := st.Overwritten - p.last.Overwritten
	metrics.AddBuffer(st.Pushed-p.last.Pushed, st.Popped-p.last.Popped, over)
	metrics.SetBufferDepth(p.ring.Len())
	p.unreported += over
	p.last = st
	// A flag with nothing unreported belongs to overwrites already logged.
	if !lost || p.unreported == 0 {
		return
	}
	metrics.IncDataLost()
	p.logger.Warn("can_data_lost",
		"overwritten", p.unreported,
		"overwritten_total", st.Overwritten,
		"capacity", canbuf.Capacity,
	)
	p.unreported = 0
}
