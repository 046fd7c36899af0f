package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-canbuf/internal/canbuf"
	"github.com/kstaniek/go-canbuf/internal/cnl"
	"github.com/kstaniek/go-canbuf/internal/hub"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/pump"
	"github.com/kstaniek/go-canbuf/internal/server"
)

const shutdownTimeout = 3 * time.Second

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("canbufd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	// Sinks outlive ctx: the pump's final drain still writes to them.
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()
	sinks, closeSinks, err := initSinks(sinkCtx, cfg, h, l)
	if err != nil {
		l.Error("sink_init_error", "error", err)
		return
	}
	defer closeSinks()

	p := pump.New(canbuf.New(),
		pump.WithSinks(sinks...),
		pump.WithLogger(l),
		pump.WithPollInterval(cfg.pollInterval),
		pump.WithBatch(cfg.drainBatch),
	)
	// The pump has its own group: it must outlive the backend so the final
	// drain sees every frame the RX loop enqueued.
	var pumpWG sync.WaitGroup
	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()
	pumpWG.Add(1)
	go func() {
		defer pumpWG.Done()
		_ = p.Run(pumpCtx)
	}()

	closeBackend, berr := initBackend(ctx, cancel, cfg, p, l, &wg)
	if berr != nil {
		l.Error("backend_init_error", "error", berr)
		stopPump()
		pumpWG.Wait()
		return
	}

	var srv *server.Server
	if cfg.listenAddr != "" {
		srv = startServer(ctx, cancel, cfg, h, l)
	}

	metrics.SetReadinessFunc(func() bool {
		if srv != nil {
			select {
			case <-srv.Ready():
			default:
				return false
			}
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	closeBackend()
	wg.Wait()
	drainPipeline(stopPump, &pumpWG, closeSinks, cancelSinks)
	if srv != nil {
		sdCtx, sdCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer sdCancel()
		if err := srv.Shutdown(sdCtx); err != nil {
			l.Warn("tcp_shutdown_error", "error", err)
		}
	}
}

// drainPipeline stops the pump once the producer is gone, then flushes and
// closes the sinks. The pump's final drain runs before any sink stops.
func drainPipeline(stopPump context.CancelFunc, pumpWG *sync.WaitGroup, closeSinks func(), cancelSinks context.CancelFunc) {
	stopPump()
	pumpWG.Wait()
	closeSinks()
	cancelSinks()
}

// startServer launches the TCP stream and, once bound, the mDNS advertisement.
func startServer(ctx context.Context, cancel context.CancelFunc, cfg *appConfig, h *hub.Hub, l *slog.Logger) *server.Server {
	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&cnl.Codec{}),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()
	if !cfg.mdnsEnable {
		return srv
	}
	go func() {
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		portNum := listenPort(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()
	return srv
}

// listenPort extracts the port from a bound host:port address; 0 if unknown.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
