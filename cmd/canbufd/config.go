package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/canbuf"
)

type appConfig struct {
	// backend
	backend      string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	canIf        string
	port         int

	// drain loop
	pollInterval time.Duration
	drainBatch   int

	// TCP streaming
	listenAddr   string
	maxClients   int
	handshakeTO  time.Duration
	clientReadTO time.Duration
	hubBuffer    int
	hubPolicy    string
	mdnsEnable   bool
	mdnsName     string

	// sinks
	kafkaBrokers []string
	kafkaTopic   string
	questdbAddr  string
	questdbTable string
	natsURL      string
	natsSubject  string
	sinkQueue    int

	// observability
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
}

const envPrefix = "CANBUF_"

func parseFlags() (*appConfig, bool) {
	return parseArgs(flag.CommandLine, os.Args[1:])
}

// parseArgs registers every option on fs, parses args and applies CANBUF_*
// environment overrides for options not given on the command line.
func parseArgs(fs *flag.FlagSet, args []string) (*appConfig, bool) {
	cfg := &appConfig{}
	var brokers string
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: serial|socketcan")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.IntVar(&cfg.port, "port", 0, "Port number (0..15) stamped on every frame from this backend")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", 5*time.Millisecond, "Drain loop poll interval")
	fs.IntVar(&cfg.drainBatch, "drain-batch", canbuf.Capacity, "Frames drained per round")
	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "TCP listen address; empty disables streaming")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement of the TCP stream")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default canbufd-<hostname>)")
	fs.StringVar(&brokers, "kafka-brokers", "", "Comma separated Kafka brokers; empty disables the Kafka sink")
	fs.StringVar(&cfg.kafkaTopic, "kafka-topic", "can-frames", "Kafka topic")
	fs.StringVar(&cfg.questdbAddr, "questdb-addr", "", "QuestDB HTTP address (host:port); empty disables the QuestDB sink")
	fs.StringVar(&cfg.questdbTable, "questdb-table", "can_frames", "QuestDB table")
	fs.StringVar(&cfg.natsURL, "nats-url", "", "NATS server URL; empty disables the NATS sink")
	fs.StringVar(&cfg.natsSubject, "nats-subject", "can.frames", "NATS subject prefix (frames go to <prefix>.<port>)")
	fs.IntVar(&cfg.sinkQueue, "sink-queue", 1024, "Per-sink queue (frames)")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json|pretty")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false
	}
	cfg.kafkaBrokers = splitList(brokers)

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json", "pretty":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "serial", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.port < 0 || c.port > can.MaxPort {
		return fmt.Errorf("port must be 0..%d (got %d)", can.MaxPort, c.port)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if c.drainBatch <= 0 || c.drainBatch > canbuf.Capacity {
		return fmt.Errorf("drain-batch must be 1..%d (got %d)", canbuf.Capacity, c.drainBatch)
	}
	if c.sinkQueue <= 0 {
		return fmt.Errorf("sink-queue must be > 0 (got %d)", c.sinkQueue)
	}
	if len(c.kafkaBrokers) > 0 && c.kafkaTopic == "" {
		return errors.New("kafka-topic required when kafka-brokers is set")
	}
	if c.questdbAddr != "" && c.questdbTable == "" {
		return errors.New("questdb-table required when questdb-addr is set")
	}
	if c.natsURL != "" && c.natsSubject == "" {
		return errors.New("nats-subject required when nats-url is set")
	}
	return nil
}

// envSource reads CANBUF_* variables for flags that were not set explicitly.
// Empty values are ignored; the first parse error is kept.
type envSource struct {
	set map[string]struct{}
	err error
}

func (e *envSource) lookup(flagName string) (string, string, bool) {
	if _, ok := e.set[flagName]; ok {
		return "", "", false
	}
	key := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return key, v, ok && v != ""
}

func (e *envSource) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (e *envSource) str(flagName string, dst *string) {
	if _, v, ok := e.lookup(flagName); ok {
		*dst = v
	}
}

func (e *envSource) list(flagName string, dst *[]string) {
	if _, v, ok := e.lookup(flagName); ok {
		*dst = splitList(v)
	}
}

func (e *envSource) integer(flagName string, lo int, dst *int) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	if n < lo {
		e.fail(key, fmt.Errorf("%d below %d", n, lo))
		return
	}
	*dst = n
}

func (e *envSource) duration(flagName string, allowZero bool, dst *time.Duration) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	if d < 0 || (d == 0 && !allowZero) {
		e.fail(key, fmt.Errorf("duration %v out of range", d))
		return
	}
	*dst = d
}

func (e *envSource) boolean(flagName string, dst *bool) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.fail(key, fmt.Errorf("not a boolean: %q", v))
	}
}

// applyEnvOverrides maps CANBUF_<FLAG_NAME> environment variables to config
// fields unless the corresponding flag was explicitly set.
// Durations use time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := &envSource{set: set}
	e.str("backend", &c.backend)
	e.str("serial", &c.serialDev)
	e.integer("baud", 1, &c.baud)
	e.duration("serial-read-timeout", false, &c.serialReadTO)
	e.str("can-if", &c.canIf)
	e.integer("port", 0, &c.port)
	e.duration("poll-interval", false, &c.pollInterval)
	e.integer("drain-batch", 1, &c.drainBatch)
	e.str("listen", &c.listenAddr)
	e.integer("max-clients", 0, &c.maxClients)
	e.duration("handshake-timeout", false, &c.handshakeTO)
	e.duration("client-read-timeout", false, &c.clientReadTO)
	e.integer("hub-buffer", 1, &c.hubBuffer)
	e.str("hub-policy", &c.hubPolicy)
	e.boolean("mdns-enable", &c.mdnsEnable)
	e.str("mdns-name", &c.mdnsName)
	e.list("kafka-brokers", &c.kafkaBrokers)
	e.str("kafka-topic", &c.kafkaTopic)
	e.str("questdb-addr", &c.questdbAddr)
	e.str("questdb-table", &c.questdbTable)
	e.str("nats-url", &c.natsURL)
	e.str("nats-subject", &c.natsSubject)
	e.integer("sink-queue", 1, &c.sinkQueue)
	e.str("log-format", &c.logFormat)
	e.str("log-level", &c.logLevel)
	e.str("metrics-addr", &c.metricsAddr)
	e.duration("log-metrics-interval", true, &c.logMetricsEvery)
	return e.err
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
