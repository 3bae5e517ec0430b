package realtime

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and fires every timer that became due, in
// deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	var rest []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type fakeConnectivity struct {
	mu     sync.Mutex
	httpUp bool
	wsUp   bool
	checks int
}

func (c *fakeConnectivity) CheckHTTP(_ context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks++
	return c.httpUp
}

func (c *fakeConnectivity) CheckWebSocket(_ context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.wsUp
}

func (c *fakeConnectivity) checkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.checks
}

type fakeTransport struct {
	id      Ref
	kind    TransportKind
	params  TransportParams
	handler TransportHandler

	mu        sync.Mutex
	sent      []*ProtocolMessage
	connected bool
	finished  bool
	disposed  bool
	events    []TransportEvent
}

func (f *fakeTransport) ID() Ref                   { return f.id }
func (f *fakeTransport) Kind() TransportKind       { return f.kind }
func (f *fakeTransport) Params() TransportParams   { return f.params }
func (f *fakeTransport) Connect(_ context.Context) {}
func (f *fakeTransport) Disconnect(err *ErrorInfo) { f.finish(TransportDisconnected, err) }
func (f *fakeTransport) Close()                    { f.finish(TransportClosed, nil) }
func (f *fakeTransport) Fail(err *ErrorInfo)       { f.finish(TransportFailed, err) }

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connected
}

func (f *fakeTransport) IsFinished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.finished
}

func (f *fakeTransport) isDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.disposed
}

func (f *fakeTransport) finishedWith() []TransportEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]TransportEvent(nil), f.events...)
}

func (f *fakeTransport) sentFrames() []*ProtocolMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*ProtocolMessage(nil), f.sent...)
}

func (f *fakeTransport) Send(msg *ProtocolMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finished {
		return stateError(StateDisconnected)
	}
	cp := *msg
	if msg.MsgSerial != nil {
		serial := *msg.MsgSerial
		cp.MsgSerial = &serial
	}
	f.sent = append(f.sent, &cp)
	return nil
}

func (f *fakeTransport) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.finished = true
	f.connected = false
	f.disposed = true
}

func (f *fakeTransport) finish(event TransportEvent, err *ErrorInfo) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.finished = true
	f.connected = false
	f.events = append(f.events, event)
	f.mu.Unlock()

	f.handler.OnTransportFinished(f, event, err)
}

// open reports the transport viable.
func (f *fakeTransport) open() {
	f.handler.OnTransportPreconnect(f)
}

// connect delivers CONNECTED.
func (f *fakeTransport) connect(id, key string, details *ConnectionDetails) {
	if details == nil {
		details = &ConnectionDetails{}
	}
	details.ConnectionKey = key
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.handler.OnTransportConnected(f, &ProtocolMessage{
		Action:            ActionConnected,
		ConnectionID:      id,
		ConnectionKey:     key,
		ConnectionDetails: details,
	})
}

func (f *fakeTransport) receive(msg *ProtocolMessage) {
	f.handler.OnTransportMessage(f, msg)
}

type harness struct {
	t     *testing.T
	m     *ConnectionManager
	clock *fakeClock
	conn  *fakeConnectivity

	mu         sync.Mutex
	transports []*fakeTransport
	changes    []ConnectionStateChange
}

// newHarness builds a manager with fake time, transports and connectivity.
// Options default to the polling transport only with no fallback hosts.
func newHarness(t *testing.T, configure func(o *Options)) *harness {
	t.Helper()

	opts := DefaultOptions()
	opts.AutoConnect = false
	opts.Transports = []TransportKind{TransportPolling}
	opts.FallbackHosts = nil
	if configure != nil {
		configure(&opts)
	}

	h := &harness{
		t:     t,
		clock: newFakeClock(),
		conn:  &fakeConnectivity{httpUp: true, wsUp: true},
	}
	deps := managerDeps{
		clock:        h.clock,
		rng:          rand.New(rand.NewSource(1)),
		connectivity: h.conn,
		async:        func(fn func()) { fn() },
		newTransport: func(kind TransportKind, params TransportParams, handler TransportHandler) Transport {
			ft := &fakeTransport{
				id:      transportRefs.nextRef(),
				kind:    kind,
				params:  params,
				handler: handler,
			}
			h.mu.Lock()
			h.transports = append(h.transports, ft)
			h.mu.Unlock()
			return ft
		},
	}
	m, err := newConnectionManager(opts, deps)
	if err != nil {
		t.Fatalf("newConnectionManager: %v", err)
	}
	h.m = m
	m.OnStateChange(func(change ConnectionStateChange) {
		h.mu.Lock()
		h.changes = append(h.changes, change)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		m.loop.stop()
		m.dispatch.stop()
	})
	return h
}

// flush waits until the loop and dispatcher have nothing left to do.
func (h *harness) flush() {
	h.t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		loopIdle, loopPosted := h.m.loop.idle()
		dispatchIdle, dispatchPosted := h.m.dispatch.idle()
		if loopIdle && dispatchIdle {
			time.Sleep(2 * time.Millisecond)
			loopIdle2, loopPosted2 := h.m.loop.idle()
			dispatchIdle2, dispatchPosted2 := h.m.dispatch.idle()
			if loopIdle2 && dispatchIdle2 && loopPosted == loopPosted2 && dispatchPosted == dispatchPosted2 {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("manager did not settle")
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.flush()
}

func (h *harness) transportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.transports)
}

func (h *harness) transport(i int) *fakeTransport {
	h.t.Helper()

	h.mu.Lock()
	defer h.mu.Unlock()

	if i < 0 || i >= len(h.transports) {
		h.t.Fatalf("transport %d not created; have %d", i, len(h.transports))
	}
	return h.transports[i]
}

func (h *harness) last() *fakeTransport {
	h.t.Helper()
	return h.transport(h.transportCount() - 1)
}

func (h *harness) stateChanges() []ConnectionStateChange {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]ConnectionStateChange(nil), h.changes...)
}

func (h *harness) lastChange() ConnectionStateChange {
	h.t.Helper()

	changes := h.stateChanges()
	if len(changes) == 0 {
		h.t.Fatalf("no state changes recorded")
	}
	return changes[len(changes)-1]
}

func (h *harness) expectState(want ConnectionState) {
	h.t.Helper()

	if got := h.m.State(); got != want {
		h.t.Fatalf("state: got %s, want %s (reason %v)", got, want, h.m.ErrorReason())
	}
}

// connect drives the manager to connected on a fresh transport.
func (h *harness) connect(id, key string) *fakeTransport {
	h.t.Helper()

	if err := h.m.Connect(); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	h.flush()
	ft := h.last()
	ft.open()
	h.flush()
	ft.connect(id, key, nil)
	h.flush()
	h.expectState(StateConnected)
	return ft
}

type sendResult struct {
	mu    sync.Mutex
	calls int
	err   *ErrorInfo
}

func (r *sendResult) callback() func(err *ErrorInfo) {
	return func(err *ErrorInfo) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls++
		r.err = err
	}
}

func (r *sendResult) get() (int, *ErrorInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls, r.err
}

func messageFrame(channel, name string) *ProtocolMessage {
	return &ProtocolMessage{
		Action:   ActionMessage,
		Channel:  channel,
		Messages: []*Message{{Name: name, Data: "payload"}},
	}
}

func serialPtr(s int64) *int64 {
	return &s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
