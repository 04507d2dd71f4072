package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanilabs/nani/internal/chain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	id     int
	closed atomic.Bool
	drop   chan error
}

func newFakeConn(id int) *fakeConn {
	return &fakeConn{id: id, drop: make(chan error, 1)}
}

func (c *fakeConn) Subscribe(ctx context.Context, fn BatchHandler) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-c.drop:
		return err
	}
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu           sync.Mutex
	calls        []string
	failuresLeft int
	failEndpoint map[string]bool
	dialDelay    time.Duration
	inFlight     int
	maxInFlight  int

	lastConn         *fakeConn
	lastOnDisconnect func(error)
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string, onDisconnect func(error)) (Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, endpoint)
	n := len(d.calls)
	delay := d.dialDelay
	fail := d.failEndpoint[endpoint]
	if d.failuresLeft > 0 {
		d.failuresLeft--
		fail = true
	}
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail {
		return nil, fmt.Errorf("dial refused")
	}

	conn := newFakeConn(n)
	d.mu.Lock()
	d.lastConn = conn
	d.lastOnDisconnect = onDisconnect
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDialer) maxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight
}

func newTestManager(t *testing.T, dialer Dialer, endpoints ...string) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Endpoints:        endpoints,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
		GatePollInterval: time.Millisecond,
		Logger:           testLogger(),
	}, dialer)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func TestManagerRequiresEndpoints(t *testing.T) {
	if _, err := NewManager(ManagerConfig{Logger: testLogger()}, &fakeDialer{}); err == nil {
		t.Fatal("expected error for empty endpoint list")
	}
}

func TestManagerFailoverOrder(t *testing.T) {
	dialer := &fakeDialer{failEndpoint: map[string]bool{"wss://primary": true}}
	m := newTestManager(t, dialer, "wss://primary", "wss://backup")

	conn, err := m.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn == nil {
		t.Fatal("expected a connection")
	}
	if got := m.Status(); got != StatusConnected {
		t.Fatalf("status = %v, want connected", got)
	}

	dialer.mu.Lock()
	calls := append([]string(nil), dialer.calls...)
	dialer.mu.Unlock()
	want := []string{"wss://primary", "wss://backup"}
	if len(calls) != len(want) {
		t.Fatalf("dial calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("dial calls = %v, want %v", calls, want)
		}
	}
}

func TestManagerAllEndpointsFail(t *testing.T) {
	dialer := &fakeDialer{failEndpoint: map[string]bool{
		"wss://a": true,
		"wss://b": true,
	}}
	m := newTestManager(t, dialer, "wss://a", "wss://b")

	_, err := m.Connect(context.Background())
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	for _, ep := range []string{"wss://a", "wss://b"} {
		if !strings.Contains(err.Error(), ep) {
			t.Errorf("error %q missing endpoint %s", err, ep)
		}
	}
	if got := m.Status(); got != StatusDisconnected {
		t.Fatalf("status = %v, want disconnected after failure", got)
	}

	// The failed attempt must leave the gate open for a retry.
	dialer.mu.Lock()
	dialer.failEndpoint = nil
	dialer.mu.Unlock()
	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestManagerSingleInFlightConnect(t *testing.T) {
	dialer := &fakeDialer{dialDelay: 50 * time.Millisecond}
	m := newTestManager(t, dialer, "wss://a")

	const callers = 5
	conns := make([]Conn, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = m.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if conns[i] != conns[0] {
			t.Fatalf("caller %d got a different connection", i)
		}
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1 shared attempt", got)
	}
}

func TestManagerConnectIdempotentWhenConnected(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, "wss://a")

	first, err := m.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	second, err := m.GetConnection(context.Background())
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if first != second {
		t.Fatal("expected the existing connection to be reused")
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
}

func TestManagerReconnectAfterDisconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, "wss://a")

	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Make the next two dials fail so the backoff loop has to retry.
	dialer.mu.Lock()
	dialer.failuresLeft = 2
	observer := dialer.lastOnDisconnect
	dialer.mu.Unlock()

	observer(errors.New("stream reset"))

	deadline := time.Now().Add(2 * time.Second)
	for m.Status() != StatusConnected {
		if time.Now().After(deadline) {
			t.Fatal("manager did not reconnect")
		}
		time.Sleep(time.Millisecond)
	}
	// 1 initial + 2 failed retries + 1 successful retry.
	if got := dialer.dialCount(); got != 4 {
		t.Fatalf("dial count = %d, want 4", got)
	}
}

func TestManagerReconnectSharesDialGate(t *testing.T) {
	dialer := &fakeDialer{dialDelay: 5 * time.Millisecond}
	m := newTestManager(t, dialer, "wss://a")

	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	dialer.mu.Lock()
	dialer.failuresLeft = 3
	observer := dialer.lastOnDisconnect
	dialer.mu.Unlock()

	observer(errors.New("stream reset"))

	// Hammer Connect from outside while the backoff loop cycles through
	// its failed attempts; every dial must pass through the same gate.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				m.Connect(context.Background())
				time.Sleep(time.Millisecond)
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Status() != StatusConnected {
		if time.Now().After(deadline) {
			close(done)
			wg.Wait()
			t.Fatal("manager did not reconnect")
		}
		time.Sleep(time.Millisecond)
	}
	close(done)
	wg.Wait()

	if got := dialer.maxConcurrent(); got != 1 {
		t.Fatalf("concurrent dial attempts = %d, want 1", got)
	}
}

func TestManagerShutdownStopsReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, "wss://a")

	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.lastConn
	m.Shutdown()

	if !conn.closed.Load() {
		t.Fatal("expected the active connection to be closed")
	}
	dialer.mu.Lock()
	observer := dialer.lastOnDisconnect
	dialer.mu.Unlock()
	observer(errors.New("late disconnect"))

	time.Sleep(20 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want no reconnects after shutdown", got)
	}
}

func TestReconnectDelaySequence(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := ReconnectDelay(i+1, base, max); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestMonitorStartIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, "wss://a")

	var dispatched atomic.Int64
	mon := NewMonitor(m, dispatcherFunc(func(ctx context.Context, batch chain.Batch) {
		dispatched.Add(int64(len(batch)))
	}), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mon.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
	if !mon.Running() {
		t.Fatal("monitor should be running")
	}
}

func TestMonitorStartFailsWhenUnreachable(t *testing.T) {
	dialer := &fakeDialer{failEndpoint: map[string]bool{"wss://a": true}}
	m := newTestManager(t, dialer, "wss://a")

	mon := NewMonitor(m, dispatcherFunc(func(context.Context, chain.Batch) {}), testLogger())
	if err := mon.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	if mon.Running() {
		t.Fatal("monitor should not be running after failed start")
	}
}

func TestMonitorResubscribesAfterDrop(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, "wss://a")

	mon := NewMonitor(m, dispatcherFunc(func(context.Context, chain.Batch) {}), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dialer.mu.Lock()
	first := dialer.lastConn
	observer := dialer.lastOnDisconnect
	dialer.mu.Unlock()

	// Simulate a transport drop: the observer schedules reconnect and
	// Subscribe returns, so the monitor must reacquire and resubscribe.
	observer(errors.New("stream reset"))
	first.drop <- errors.New("stream reset")

	deadline := time.Now().Add(2 * time.Second)
	for dialer.dialCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("monitor never resubscribed on a fresh connection")
		}
		time.Sleep(time.Millisecond)
	}
	if !mon.Running() {
		t.Fatal("monitor should still be running after resubscribe")
	}
}

type dispatcherFunc func(ctx context.Context, batch chain.Batch)

func (f dispatcherFunc) Dispatch(ctx context.Context, batch chain.Batch) { f(ctx, batch) }
