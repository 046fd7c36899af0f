package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/logging"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/transport"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	// Brokers to bootstrap from, e.g. "localhost:9092".
	Brokers []string
	// Topic receiving one message per frame.
	Topic string
	// Queue is the number of frames buffered ahead of the writer.
	Queue int
}

// kafkaWriter is the subset of *kafka.Writer used by the sink.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each frame as a message keyed by port whose value is the
// 11-byte frame encoding. Frames of one port keep their order.
type Kafka struct {
	*transport.AsyncSink
}

// kafkaMaxBatch caps the frames handed to one WriteMessages call.
const kafkaMaxBatch = 256

// NewKafka creates the writer; brokers are contacted lazily on first write.
// The writer is asynchronous: delivery errors arrive through Completion.
func NewKafka(ctx context.Context, cfg KafkaConfig) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    kafkaMaxBatch,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
		Async:        true,
		Completion:   kafkaCompletion,
	}
	return newKafka(ctx, w, cfg.Queue)
}

func newKafka(ctx context.Context, w kafkaWriter, queue int) *Kafka {
	send := func(frs []can.Frame) error {
		msgs := make([]kafka.Message, len(frs))
		for i, fr := range frs {
			msgs[i] = kafkaMessage(fr)
		}
		return w.WriteMessages(ctx, msgs...)
	}
	onClose := func() {
		// Close flushes batches still held by an async writer.
		if err := w.Close(); err != nil {
			logging.L().Warn("sink_close_error", "sink", metrics.SinkKafka, "error", err)
		}
	}
	return &Kafka{AsyncSink: newAsyncBatch(ctx, metrics.SinkKafka, metrics.ErrSinkKafka, queue, kafkaMaxBatch, send, onClose)}
}

func kafkaCompletion(msgs []kafka.Message, err error) {
	if err != nil {
		reportSinkError(metrics.SinkKafka, metrics.ErrSinkKafka, fmt.Errorf("%d messages: %w", len(msgs), err))
	}
}

func kafkaMessage(fr can.Frame) kafka.Message {
	return kafka.Message{
		Key:   []byte(strconv.Itoa(int(fr.Port))),
		Value: can.AppendEncode(make([]byte, 0, can.FrameSize), fr),
	}
}
