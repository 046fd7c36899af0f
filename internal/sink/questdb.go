package sink

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	qdb "github.com/questdb/go-questdb-client/v3"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/logging"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/transport"
)

// QuestDBConfig configures the QuestDB sink.
type QuestDBConfig struct {
	// Address of the QuestDB HTTP endpoint, e.g. "localhost:9000".
	Address string
	// Table receiving one row per frame.
	Table string
	// Queue is the number of frames buffered ahead of the sender.
	Queue int
}

// QuestDB stores frames as rows over the ILP/HTTP protocol.
type QuestDB struct {
	*transport.AsyncSink
}

// NewQuestDB creates the line sender. Rows are flushed every 1000 rows or
// every second, whichever comes first.
func NewQuestDB(ctx context.Context, cfg QuestDBConfig) (*QuestDB, error) {
	sender, err := qdb.NewLineSender(ctx,
		qdb.WithHttp(),
		qdb.WithAddress(cfg.Address),
		qdb.WithAutoFlushRows(1000),
		qdb.WithAutoFlushInterval(time.Second),
		qdb.WithRetryTimeout(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("questdb sender %s: %w", cfg.Address, err)
	}
	send := func(fr can.Frame) error {
		r := frameRow(fr)
		return sender.Table(cfg.Table).
			Symbol("port", r.port).
			Int64Column("can_id", r.id).
			Int64Column("len", r.length).
			StringColumn("payload", r.payload).
			At(ctx, time.Now())
	}
	onClose := func() {
		// Runs after the queue drained; ctx may already be cancelled.
		if err := sender.Close(context.Background()); err != nil {
			logging.L().Warn("sink_close_error", "sink", metrics.SinkQuestDB, "error", err)
		}
	}
	return &QuestDB{AsyncSink: newAsync(ctx, metrics.SinkQuestDB, metrics.ErrSinkQuestDB, cfg.Queue, send, onClose)}, nil
}

type questRow struct {
	port    string
	id      int64
	length  int64
	payload string
}

func frameRow(fr can.Frame) questRow {
	return questRow{
		port:    strconv.Itoa(int(fr.Port)),
		id:      int64(fr.ID),
		length:  int64(fr.Len),
		payload: hex.EncodeToString(fr.Payload()),
	}
}
