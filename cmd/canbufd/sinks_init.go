package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-canbuf/internal/hub"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/pump"
	"github.com/kstaniek/go-canbuf/internal/sink"
	"github.com/kstaniek/go-canbuf/internal/transport"
)

// Hooks for tests.
var (
	newKafkaSink   = func(ctx context.Context, c sink.KafkaConfig) (closingSink, error) { return sink.NewKafka(ctx, c), nil }
	newQuestDBSink = func(ctx context.Context, c sink.QuestDBConfig) (closingSink, error) { return sink.NewQuestDB(ctx, c) }
	newNATSSink    = func(ctx context.Context, c sink.NATSConfig) (closingSink, error) { return sink.NewNATS(ctx, c) }
)

type closingSink interface {
	transport.FrameSink
	Close()
}

// initSinks builds the drain targets: the TCP hub always, network sinks when
// configured. The returned cleanup closes network sinks, delivering what they
// still queue; it must run after the pump has stopped and is safe to repeat.
func initSinks(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger) ([]pump.Sink, func(), error) {
	sinks := []pump.Sink{{Name: metrics.SinkHub, FrameSink: h}}
	var closers []func()
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			for _, c := range closers {
				c()
			}
		})
	}
	add := func(name string, s closingSink, err error) error {
		if err != nil {
			return fmt.Errorf("%s sink: %w", name, err)
		}
		sinks = append(sinks, pump.Sink{Name: name, FrameSink: s})
		closers = append(closers, s.Close)
		return nil
	}

	if len(cfg.kafkaBrokers) > 0 {
		s, err := newKafkaSink(ctx, sink.KafkaConfig{Brokers: cfg.kafkaBrokers, Topic: cfg.kafkaTopic, Queue: cfg.sinkQueue})
		if err := add(metrics.SinkKafka, s, err); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		l.Info("sink_enabled", "sink", metrics.SinkKafka, "brokers", cfg.kafkaBrokers, "topic", cfg.kafkaTopic)
	}
	if cfg.questdbAddr != "" {
		s, err := newQuestDBSink(ctx, sink.QuestDBConfig{Address: cfg.questdbAddr, Table: cfg.questdbTable, Queue: cfg.sinkQueue})
		if err := add(metrics.SinkQuestDB, s, err); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		l.Info("sink_enabled", "sink", metrics.SinkQuestDB, "addr", cfg.questdbAddr, "table", cfg.questdbTable)
	}
	if cfg.natsURL != "" {
		s, err := newNATSSink(ctx, sink.NATSConfig{URL: cfg.natsURL, Subject: cfg.natsSubject, Queue: cfg.sinkQueue})
		if err := add(metrics.SinkNATS, s, err); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		l.Info("sink_enabled", "sink", metrics.SinkNATS, "url", cfg.natsURL, "subject", cfg.natsSubject)
	}
	return sinks, cleanup, nil
}
