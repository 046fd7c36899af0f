package sink

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/logging"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/transport"
)

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	URL string
	// Subject prefix; frames go to "<Subject>.<port>".
	Subject string
	// Queue is the number of frames buffered ahead of the publisher.
	Queue int
}

type publisher interface {
	Publish(subj string, data []byte) error
}

// NATS publishes the 11-byte frame encoding per port subject.
type NATS struct {
	*transport.AsyncSink
}

// NewNATS connects to the server and keeps reconnecting forever afterwards.
func NewNATS(ctx context.Context, cfg NATSConfig) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("canbufd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.L().Warn("nats_disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.L().Info("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	onClose := func() {
		if err := nc.Flush(); err != nil {
			logging.L().Warn("sink_close_error", "sink", metrics.SinkNATS, "error", err)
		}
		nc.Close()
	}
	return newNATS(ctx, nc, cfg.Subject, cfg.Queue, onClose), nil
}

func newNATS(ctx context.Context, p publisher, subject string, queue int, onClose func()) *NATS {
	send := func(fr can.Frame) error {
		return p.Publish(natsSubject(subject, fr.Port), can.AppendEncode(make([]byte, 0, can.FrameSize), fr))
	}
	return &NATS{AsyncSink: newAsync(ctx, metrics.SinkNATS, metrics.ErrSinkNATS, queue, send, onClose)}
}

func natsSubject(prefix string, port uint8) string {
	return prefix + "." + strconv.Itoa(int(port))
}
