package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/hub"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/sink"
)

type fakeSink struct {
	name   string
	closed *[]string
}

func (f *fakeSink) SendFrame(can.Frame) error { return nil }
func (f *fakeSink) Close()                    { *f.closed = append(*f.closed, f.name) }

func stubSinks(t *testing.T, closed *[]string, questErr error) {
	t.Helper()
	prevK, prevQ, prevN := newKafkaSink, newQuestDBSink, newNATSSink
	newKafkaSink = func(context.Context, sink.KafkaConfig) (closingSink, error) {
		return &fakeSink{name: "kafka", closed: closed}, nil
	}
	newQuestDBSink = func(context.Context, sink.QuestDBConfig) (closingSink, error) {
		if questErr != nil {
			return nil, questErr
		}
		return &fakeSink{name: "questdb", closed: closed}, nil
	}
	newNATSSink = func(context.Context, sink.NATSConfig) (closingSink, error) {
		return &fakeSink{name: "nats", closed: closed}, nil
	}
	t.Cleanup(func() { newKafkaSink, newQuestDBSink, newNATSSink = prevK, prevQ, prevN })
}

func TestInitSinksHubOnly(t *testing.T) {
	sinks, cleanup, err := initSinks(context.Background(), validConfig(), hub.New(), testLogger())
	if err != nil {
		t.Fatalf("initSinks: %v", err)
	}
	defer cleanup()
	if len(sinks) != 1 || sinks[0].Name != metrics.SinkHub {
		t.Fatalf("expected hub sink only, got %+v", sinks)
	}
}

func TestInitSinksAllConfigured(t *testing.T) {
	var closed []string
	stubSinks(t, &closed, nil)
	cfg := validConfig()
	cfg.kafkaBrokers, cfg.kafkaTopic = []string{"k:9092"}, "frames"
	cfg.questdbAddr, cfg.questdbTable = "q:9000", "frames"
	cfg.natsURL, cfg.natsSubject = "nats://n:4222", "can"

	sinks, cleanup, err := initSinks(context.Background(), cfg, hub.New(), testLogger())
	if err != nil {
		t.Fatalf("initSinks: %v", err)
	}
	var names []string
	for _, s := range sinks {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "hub,kafka,questdb,nats" {
		t.Fatalf("unexpected sinks %s", got)
	}
	cleanup()
	if got := strings.Join(closed, ","); got != "kafka,questdb,nats" {
		t.Fatalf("unexpected close order %s", got)
	}
}

func TestInitSinksFailureClosesOpened(t *testing.T) {
	var closed []string
	stubSinks(t, &closed, errors.New("refused"))
	cfg := validConfig()
	cfg.kafkaBrokers, cfg.kafkaTopic = []string{"k:9092"}, "frames"
	cfg.questdbAddr, cfg.questdbTable = "q:9000", "frames"

	_, _, err := initSinks(context.Background(), cfg, hub.New(), testLogger())
	if err == nil || !strings.Contains(err.Error(), "questdb sink") {
		t.Fatalf("expected questdb sink error, got %v", err)
	}
	if len(closed) != 1 || closed[0] != "kafka" {
		t.Fatalf("expected kafka sink closed after failure, got %v", closed)
	}
}
