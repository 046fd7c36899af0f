package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canbuf/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total CAN frames decoded from the serial link.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN interface.",
	})
	RejectedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rejected_frames_total",
		Help: "Bus frames that could not be mapped onto a buffered frame, by reason.",
	}, []string{"reason"})
	BufferPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buffer_pushed_frames_total",
		Help: "Total frames pushed into the receive ring.",
	})
	BufferPopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buffer_popped_frames_total",
		Help: "Total frames popped from the receive ring.",
	})
	BufferOverwritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buffer_overwritten_frames_total",
		Help: "Total unread frames evicted because the receive ring was full.",
	})
	BufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buffer_depth",
		Help: "Frames queued in the receive ring at the last drain.",
	})
	DataLostEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buffer_data_lost_events_total",
		Help: "Times the drain loop found and cleared the data-lost flag.",
	})
	SinkFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_frames_total",
		Help: "Frames delivered to each sink.",
	}, []string{"sink"})
	SinkDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_dropped_frames_total",
		Help: "Frames dropped because a sink queue was full.",
	}, []string{"sink"})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead       = "tcp_read"
	ErrTCPWrite      = "tcp_write"
	ErrHandshake     = "handshake"
	ErrSerialRead    = "serial_read"
	ErrSocketCANRead = "socketcan_read"
	ErrSinkKafka     = "sink_kafka"
	ErrSinkQuestDB   = "sink_questdb"
	ErrSinkNATS      = "sink_nats"
)

// Sink label constants.
const (
	SinkHub     = "hub"
	SinkKafka   = "kafka"
	SinkQuestDB = "questdb"
	SinkNATS    = "nats"
)

// Reject reason label constants.
const (
	RejectIDRange    = "id_range"
	RejectPortRange  = "port_range"
	RejectErrorFrame = "error_frame"
	RejectOther      = "other"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSerialRx    uint64
	localSocketCANRx uint64
	localRejected    uint64
	localPushed      uint64
	localPopped      uint64
	localOverwritten uint64
	localDepth       uint64
	localDataLost    uint64
	localSinkFrames  uint64
	localSinkDrops   uint64
	localTCPTx       uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localErrors      uint64
	localHubClients  uint64
	localFanout      uint64
	localMalformed   uint64
	localQDMax       uint64
	localQDAvg       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx      uint64
	SocketCANRx   uint64
	Rejected      uint64
	Pushed        uint64
	Popped        uint64
	Overwritten   uint64
	Depth         uint64
	DataLost      uint64
	SinkFrames    uint64 // sum across sinks
	SinkDrops     uint64 // sum across sinks
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	HubClients    uint64
	Fanout        uint64
	Malformed     uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:      atomic.LoadUint64(&localSerialRx),
		SocketCANRx:   atomic.LoadUint64(&localSocketCANRx),
		Rejected:      atomic.LoadUint64(&localRejected),
		Pushed:        atomic.LoadUint64(&localPushed),
		Popped:        atomic.LoadUint64(&localPopped),
		Overwritten:   atomic.LoadUint64(&localOverwritten),
		Depth:         atomic.LoadUint64(&localDepth),
		DataLost:      atomic.LoadUint64(&localDataLost),
		SinkFrames:    atomic.LoadUint64(&localSinkFrames),
		SinkDrops:     atomic.LoadUint64(&localSinkDrops),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		Errors:        atomic.LoadUint64(&localErrors),
		HubClients:    atomic.LoadUint64(&localHubClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		Malformed:     atomic.LoadUint64(&localMalformed),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
	}
}

// Wrapper helpers to keep call sites simple.
func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	atomic.AddUint64(&localSocketCANRx, 1)
}

func IncRejected(reason string) {
	RejectedFrames.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localRejected, 1)
}

// AddBuffer records ring counter deltas observed by the drain loop.
func AddBuffer(pushed, popped, overwritten uint64) {
	if pushed > 0 {
		BufferPushed.Add(float64(pushed))
		atomic.AddUint64(&localPushed, pushed)
	}
	if popped > 0 {
		BufferPopped.Add(float64(popped))
		atomic.AddUint64(&localPopped, popped)
	}
	if overwritten > 0 {
		BufferOverwritten.Add(float64(overwritten))
		atomic.AddUint64(&localOverwritten, overwritten)
	}
}

func SetBufferDepth(n int) {
	BufferDepth.Set(float64(n))
	atomic.StoreUint64(&localDepth, uint64(n))
}

func IncDataLost() {
	DataLostEvents.Inc()
	atomic.AddUint64(&localDataLost, 1)
}

func IncSinkFrame(sink string) {
	SinkFrames.WithLabelValues(sink).Inc()
	atomic.AddUint64(&localSinkFrames, 1)
}

func IncSinkDrop(sink string) {
	SinkDrops.WithLabelValues(sink).Inc()
	atomic.AddUint64(&localSinkDrops, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common label series so dashboards see zeros instead of gaps.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialRead, ErrSocketCANRead,
		ErrSinkKafka, ErrSinkQuestDB, ErrSinkNATS,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, s := range []string{SinkHub, SinkKafka, SinkQuestDB, SinkNATS} {
		SinkFrames.WithLabelValues(s).Add(0)
		SinkDrops.WithLabelValues(s).Add(0)
	}
	for _, r := range []string{RejectIDRange, RejectPortRange, RejectErrorFrame} {
		RejectedFrames.WithLabelValues(r).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
