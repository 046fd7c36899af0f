// Package server streams drained frames to TCP clients using the cannelloni
// framing. The stream is one-way: bytes sent by clients are read and discarded.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canbuf/internal/cnl"
	"github.com/kstaniek/go-canbuf/internal/hub"
	"github.com/kstaniek/go-canbuf/internal/logging"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/transport"
)

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	acceptRetryDelay        = 200 * time.Millisecond
	keepAlivePeriod         = 30 * time.Second
)

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	Hub   *hub.Hub
	Codec transport.FrameBatchEncoder // *cnl.Codec implements

	mu       sync.RWMutex
	addr     string
	listener net.Listener

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	logger           *slog.Logger

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	clientsMu sync.Mutex
	clients   map[*hub.Client]net.Conn
	wg        sync.WaitGroup

	nextConnID atomic.Uint64
	counters   counters
}

type counters struct {
	accepted, handshakeFail, connected, disconnected, discardedBytes atomic.Uint64
}

// Stats is a point-in-time view of the connection counters.
type Stats struct {
	Accepted, HandshakeFail, Connected, Disconnected, DiscardedBytes uint64
}

type ServerOption func(*Server)

// NewServer builds a server; the codec defaults to cannelloni and the hub to
// an empty one.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		addr:             ":0",
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.Codec == nil {
		s.Codec = &cnl.Codec{}
	}
	if s.Hub == nil {
		s.Hub = hub.New()
	}
	return s
}

func WithListenAddr(a string) ServerOption                 { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption                     { return func(s *Server) { s.Hub = hb } }
func WithCodec(c transport.FrameBatchEncoder) ServerOption { return func(s *Server) { s.Codec = c } }

// positive wraps a setter so zero and negative values keep the default.
func positive[T int | time.Duration](v T, set func(*Server, T)) ServerOption {
	return func(s *Server) {
		if v > 0 {
			set(s, v)
		}
	}
}

func WithFlushInterval(d time.Duration) ServerOption {
	return positive(d, func(s *Server, v time.Duration) { s.flushInterval = v })
}

func WithBatchSize(n int) ServerOption {
	return positive(n, func(s *Server, v int) { s.batchSize = v })
}

func WithReadDeadline(d time.Duration) ServerOption {
	return positive(d, func(s *Server, v time.Duration) { s.readDeadline = v })
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return positive(d, func(s *Server, v time.Duration) { s.handshakeTimeout = v })
}

// WithMaxClients caps simultaneous clients; 0 means unlimited.
func WithMaxClients(n int) ServerOption {
	return positive(n, func(s *Server, v int) { s.maxClients = v })
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) SetListenAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Errors delivers the most recent unread error; older ones are dropped.
func (s *Server) Errors() <-chan error { return s.errCh }

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

func (s *Server) Stats() Stats {
	return Stats{
		Accepted:       s.counters.accepted.Load(),
		HandshakeFail:  s.counters.handshakeFail.Load(),
		Connected:      s.counters.connected.Load(),
		Disconnected:   s.counters.disconnected.Load(),
		DiscardedBytes: s.counters.discardedBytes.Load(),
	}
}

// fail records err, counts it under its metric label and publishes it on Errors.
func (s *Server) fail(err error) {
	metrics.IncError(mapErrToMetric(err))
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

// Serve listens and accepts clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.fail(wrap)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts one connection and hands it to serveConn. Only fatal
// listener errors are returned.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(acceptRetryDelay)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		s.fail(wrap)
		return wrap
	}
	s.counters.accepted.Add(1)
	s.serveConn(ctx, conn)
	return nil
}

// serveConn runs the handshake, applies the client limit and starts the
// connection's writer and reader.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	id := s.nextConnID.Add(1)
	log := s.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		s.counters.handshakeFail.Add(1)
		s.fail(wrap)
		log.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return
	}
	if s.maxClients > 0 && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		log.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	client := s.Hub.NewClient()
	s.clientsMu.Lock()
	s.clients[client] = conn
	s.clientsMu.Unlock()
	s.counters.connected.Add(1)
	log.Info("client_connected")
	s.startWriter(ctx.Done(), conn, client, log)
	s.startReader(ctx.Done(), conn, log)
}

// forget drops the connection bookkeeping for a finished client.
func (s *Server) forget(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	s.Hub.Remove(cl)
}

// Shutdown closes the listener and every client, then waits for their
// goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		s.Hub.Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		st := s.Stats()
		s.logger.Info("shutdown_summary",
			"accepted", st.Accepted,
			"handshake_fail", st.HandshakeFail,
			"connected", st.Connected,
			"disconnected", st.Disconnected,
			"discarded_bytes", st.DiscardedBytes,
		)
		return nil
	}
}
