package main

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-canbuf/internal/can"
	"github.com/kstaniek/go-canbuf/internal/canbuf"
	"github.com/kstaniek/go-canbuf/internal/metrics"
	"github.com/kstaniek/go-canbuf/internal/pump"
	"github.com/kstaniek/go-canbuf/internal/serial"
	"github.com/kstaniek/go-canbuf/internal/socketcan"
)

// fakeSerialPort implements serial.Port for tests.
type fakeSerialPort struct {
	reads [][]byte
	idx   int
	mu    sync.Mutex
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.reads) {
		// after delivering all data, block briefly then return EOF repeatedly
		time.Sleep(10 * time.Millisecond)
		return 0, io.EOF
	}
	chunk := f.reads[f.idx]
	f.idx++
	n := copy(p, chunk)
	return n, nil
}
func (f *fakeSerialPort) Close() error { return nil }

// testLogger returns a no-op slog.Logger for tests.
func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// serTestWire builds one enveloped UART receive frame: 2D D4 len ID(4) payload checksum.
func serTestWire(id uint32, payload ...byte) []byte {
	data := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(data[:4], id)
	copy(data[4:], payload)
	n := len(data)
	frame := make([]byte, n+4)
	frame[0] = 0x2D
	frame[1] = 0xD4
	frame[2] = byte(n + 1)
	sum := frame[2] + 0x2D
	for i, b := range data {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// collector is a pump sink recording frames.
type collector struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (c *collector) SendFrame(fr can.Frame) error {
	c.mu.Lock()
	c.frames = append(c.frames, fr)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.frames...)
}

func (c *collector) waitLen(t *testing.T, n int) []can.Frame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("collected %d frames, want %d", len(c.snapshot()), n)
	return nil
}

func runPump(t *testing.T, p *pump.Pump) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
}

// TestInitSerialBackendBasic validates that a frame presented via the serial RX loop is decoded,
// stamped with the configured port and delivered through the ring.
func TestInitSerialBackendBasic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enc := append(serTestWire(0x123, 0xAA, 0xBB), serTestWire(0x1ABCD, 0x01)...) // second ID does not fit 16 bits
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) {
		return &fakeSerialPort{reads: [][]byte{enc}}, nil
	}
	defer func() { openSerialPort = serial.Open }()

	before := metrics.Snap()
	col := &collector{}
	p := pump.New(canbuf.New(), pump.WithSinks(pump.Sink{Name: "test", FrameSink: col}), pump.WithLogger(testLogger()))
	runPump(t, p)

	cfg := &appConfig{backend: "serial", serialDev: "fake", baud: 115200, serialReadTO: 50 * time.Millisecond, port: 4}
	var wg sync.WaitGroup
	cleanup, err := initSerialBackend(ctx, cancel, cfg, p, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialBackend: %v", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()

	got := col.waitLen(t, 1)
	want := can.Frame{ID: 0x123, Port: 4, Len: 2, Data: [8]byte{0xAA, 0xBB}}
	if got[0] != want {
		t.Fatalf("unexpected frame: %+v", got[0])
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && metrics.Snap().Rejected == before.Rejected {
		time.Sleep(2 * time.Millisecond)
	}
	snap := metrics.Snap()
	if snap.SerialRx-before.SerialRx < 2 {
		t.Fatalf("expected SerialRx +2, got %d", snap.SerialRx-before.SerialRx)
	}
	if snap.Rejected == before.Rejected {
		t.Fatalf("expected out of range identifier to be rejected")
	}
	if len(col.snapshot()) != 1 {
		t.Fatalf("rejected frame reached the sink")
	}
}

// TestSerialBackendRingOverflow feeds more frames than the ring holds before
// the drain loop starts and checks the oldest are dropped and reported.
func TestSerialBackendRingOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = canbuf.Capacity + 25
	var stream []byte
	for i := range total {
		stream = append(stream, serTestWire(uint32(i), byte(i), byte(i>>8))...)
	}
	fp := &fakeSerialPort{reads: [][]byte{stream}}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return fp, nil }
	defer func() { openSerialPort = serial.Open }()

	col := &collector{}
	p := pump.New(canbuf.New(), pump.WithSinks(pump.Sink{Name: "test", FrameSink: col}), pump.WithLogger(testLogger()))
	before := metrics.Snap()

	cfg := &appConfig{backend: "serial", serialDev: "fake", baud: 115200, serialReadTO: 50 * time.Millisecond}
	var wg sync.WaitGroup
	cleanup, err := initSerialBackend(ctx, cancel, cfg, p, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSerialBackend: %v", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()

	// Wait until the whole stream was consumed, then start draining.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.Ring().Stats().Pushed < total {
		time.Sleep(2 * time.Millisecond)
	}
	if !p.Ring().DataLost() {
		t.Fatalf("expected data lost flag after overflow")
	}
	runPump(t, p)

	got := col.waitLen(t, canbuf.Capacity)
	if got[0].ID != 25 || got[len(got)-1].ID != total-1 {
		t.Fatalf("expected frames 25..%d, got first=%d last=%d", total-1, got[0].ID, got[len(got)-1].ID)
	}
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && metrics.Snap().DataLost == before.DataLost {
		time.Sleep(2 * time.Millisecond)
	}
	after := metrics.Snap()
	if after.DataLost-before.DataLost != 1 {
		t.Fatalf("expected one data lost event, got %d", after.DataLost-before.DataLost)
	}
	if after.Overwritten-before.Overwritten != 25 {
		t.Fatalf("expected 25 overwritten, got %d", after.Overwritten-before.Overwritten)
	}
}

// ---- SocketCAN backend test ----

type fakeSocketDev struct {
	frames   []can.RawFrame
	idx      int
	errAfter bool
}

func (d *fakeSocketDev) ReadFrame(fr *can.RawFrame) error {
	if d.idx < len(d.frames) {
		*fr = d.frames[d.idx]
		d.idx++
		return nil
	}
	if d.errAfter {
		return io.ErrUnexpectedEOF
	}
	time.Sleep(10 * time.Millisecond)
	return socketcan.ErrReadTimeout
}
func (d *fakeSocketDev) Close() error { return nil }

func TestInitSocketCANBackendBasic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := []can.RawFrame{
		{CANID: 0x555, Len: 3, Data: [8]byte{1, 2, 3}},
		{CANID: 0x1F00 | can.CAN_EFF_FLAG, Len: 1, Data: [8]byte{9}},
		{CANID: 0x10 | can.CAN_ERR_FLAG, Len: 8},
	}
	openSocketCANDevice = func(iface string) (socketcan.Dev, error) {
		return &fakeSocketDev{frames: frames, errAfter: true}, nil
	}
	defer func() {
		openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }
	}()
	sleepFn = func(time.Duration) { time.Sleep(time.Millisecond) }
	defer func() { sleepFn = time.Sleep }()

	before := metrics.Snap()
	col := &collector{}
	p := pump.New(canbuf.New(), pump.WithSinks(pump.Sink{Name: "test", FrameSink: col}), pump.WithLogger(testLogger()))
	runPump(t, p)

	cfg := &appConfig{backend: "socketcan", canIf: "vcan0", port: 15}
	var wg sync.WaitGroup
	cleanup, err := initSocketCANBackend(ctx, cancel, cfg, p, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSocketCANBackend: %v", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()

	got := col.waitLen(t, 2)
	if got[0] != (can.Frame{ID: 0x555, Port: 15, Len: 3, Data: [8]byte{1, 2, 3}}) {
		t.Fatalf("unexpected frame: %+v", got[0])
	}
	if got[1].ID != 0x1F00 || got[1].Port != 15 {
		t.Fatalf("unexpected extended frame: %+v", got[1])
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && metrics.Snap().Errors == before.Errors {
		time.Sleep(2 * time.Millisecond)
	}
	snap := metrics.Snap()
	if snap.SocketCANRx-before.SocketCANRx < 3 {
		t.Fatalf("expected SocketCANRx +3")
	}
	if snap.Rejected == before.Rejected {
		t.Fatalf("expected error frame to be rejected")
	}
	if snap.Errors == before.Errors {
		t.Fatalf("expected at least one error increment (read error after frames)")
	}
}

func TestSocketCANReadTimeoutIsQuiet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return &fakeSocketDev{}, nil }
	defer func() {
		openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }
	}()
	var slept bool
	var mu sync.Mutex
	sleepFn = func(time.Duration) { mu.Lock(); slept = true; mu.Unlock() }
	defer func() { sleepFn = time.Sleep }()

	p := pump.New(canbuf.New(), pump.WithLogger(testLogger()))
	var wg sync.WaitGroup
	cleanup, err := initSocketCANBackend(ctx, cancel, &appConfig{canIf: "vcan0"}, p, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initSocketCANBackend: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	cleanup()
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if slept {
		t.Fatalf("read timeouts must not trigger backoff")
	}
}

type lostSerialPort struct{}

func (lostSerialPort) Read([]byte) (int, error) {
	return 0, &os.PathError{Op: "read", Path: "/dev/ttyUSB0", Err: os.ErrNotExist}
}
func (lostSerialPort) Close() error { return nil }

// TestSerialDeviceLostStops checks that a vanished UART ends the RX loop and
// asks the process to shut down instead of idling with no producer.
func TestSerialDeviceLostStops(t *testing.T) {
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return lostSerialPort{}, nil }
	defer func() { openSerialPort = serial.Open }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	stop := func() { close(stopped); cancel() }

	p := pump.New(canbuf.New(), pump.WithLogger(testLogger()))
	cfg := &appConfig{backend: "serial", serialDev: "fake", baud: 115200, serialReadTO: 10 * time.Millisecond}
	var wg sync.WaitGroup
	cleanup, err := initBackend(ctx, stop, cfg, p, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer cleanup()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("device loss did not stop the process")
	}
	wg.Wait()
}

func TestInitBackendUnknown(t *testing.T) {
	p := pump.New(canbuf.New())
	var wg sync.WaitGroup
	cleanup, err := initBackend(context.Background(), func() {}, &appConfig{backend: "usb"}, p, testLogger(), &wg)
	if err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	cleanup()
}

func TestRejectReason(t *testing.T) {
	cases := []struct {
		raw  can.RawFrame
		port uint8
		want string
	}{
		{can.RawFrame{CANID: 0x10000 | can.CAN_EFF_FLAG}, 0, metrics.RejectIDRange},
		{can.RawFrame{CANID: 0x1}, 16, metrics.RejectPortRange},
		{can.RawFrame{CANID: can.CAN_ERR_FLAG}, 0, metrics.RejectErrorFrame},
	}
	for _, tc := range cases {
		_, err := tc.raw.ToFrame(tc.port)
		if got := rejectReason(err); got != tc.want {
			t.Fatalf("rejectReason(%v) = %q, want %q", err, got, tc.want)
		}
	}
}
