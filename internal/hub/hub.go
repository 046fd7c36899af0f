// Package hub fans drained frames out to connected stream clients.
package hub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/logging"
	"github.com/kstaniek/go-canbuf/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	// PolicyDrop discards the frame for that client only.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick closes the client; its writer then disconnects it.
	PolicyKick
)

// DefaultOutBufSize is the per-client queue used when OutBufSize is unset.
const DefaultOutBufSize = 512

func (p BackpressurePolicy) String() string {
	switch p {
	case PolicyDrop:
		return "drop"
	case PolicyKick:
		return "kick"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	default:
		return PolicyDrop, fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// Client is one subscriber. The writer goroutine reads Out until Closed.
type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// Dropped reports frames discarded for this client under PolicyDrop.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Hub is safe for concurrent use. Broadcast never blocks.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// NewClient allocates a client sized from OutBufSize and registers it.
func (h *Hub) NewClient() *Client {
	n := h.OutBufSize
	if n <= 0 {
		n = DefaultOutBufSize
	}
	c := &Client{Out: make(chan can.Frame, n), Closed: make(chan struct{})}
	h.Add(c)
	return c
}

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters and closes a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// SendFrame lets the hub act as a drain sink. It never fails; slow clients are
// handled by the backpressure policy.
func (h *Hub) SendFrame(fr can.Frame) error {
	h.Broadcast(fr)
	return nil
}

// Broadcast offers fr to every client without blocking.
func (h *Hub) Broadcast(fr can.Frame) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	sampleQueueDepth(clients)
	for _, c := range clients {
		select {
		case c.Out <- fr:
			continue
		default:
		}
		if h.Policy == PolicyKick {
			metrics.IncHubKick()
			c.Close() // writer exits and the server removes the client
			continue
		}
		c.dropped.Add(1)
		metrics.IncHubDrop()
	}
}

func sampleQueueDepth(clients []*Client) {
	if len(clients) == 0 {
		return
	}
	maxDepth, sum := 0, 0
	for _, c := range clients {
		l := len(c.Out)
		maxDepth = max(maxDepth, l)
		sum += l
	}
	metrics.SetQueueDepth(maxDepth, sum/len(clients))
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
