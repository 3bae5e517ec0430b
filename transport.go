package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// TransportKind names a transport family.
type TransportKind string

const (
	TransportWebSocket TransportKind = "web_socket"
	TransportPolling   TransportKind = "comet"
)

// ConnectMode selects how the service treats the connection key.
type ConnectMode string

const (
	ModeClean   ConnectMode = "clean"
	ModeResume  ConnectMode = "resume"
	ModeRecover ConnectMode = "recover"
)

// TransportEvent is the reason a transport finished.
type TransportEvent int

const (
	TransportDisconnected TransportEvent = iota
	TransportClosed
	TransportFailed
)

func (e TransportEvent) String() string {
	switch e {
	case TransportDisconnected:
		return "disconnected"
	case TransportClosed:
		return "closed"
	case TransportFailed:
		return "failed"
	}
	return "unknown"
}

// TransportParams are fixed for the lifetime of one transport attempt.
type TransportParams struct {
	Host          string
	Port          int
	TLS           bool
	Mode          ConnectMode
	ConnectionKey string
	RecoverKey    string
	Format        string
	Heartbeats    bool
	ClientID      string
	Echo          bool
	Custom        map[string]string
	Auth          map[string]string
}

func (p TransportParams) withHost(host string) TransportParams {
	p.Host = host
	return p
}

// Query returns the connect query string parameters.
func (p TransportParams) Query() url.Values {
	q := url.Values{}
	q.Set("v", protocolVersion)
	q.Set("agent", agent)
	if p.Format != "" && p.Format != "json" {
		q.Set("format", p.Format)
	}
	switch p.Mode {
	case ModeResume:
		q.Set("resume", p.ConnectionKey)
	case ModeRecover:
		q.Set("recover", p.RecoverKey)
	}
	if p.ClientID != "" {
		q.Set("clientId", p.ClientID)
	}
	if !p.Echo {
		q.Set("echo", "false")
	}
	q.Set("heartbeats", strconv.FormatBool(p.Heartbeats))
	for k, v := range p.Custom {
		q.Set(k, v)
	}
	for k, v := range p.Auth {
		q.Set(k, v)
	}
	return q
}

func (p TransportParams) hostPort() string {
	if p.Port == 0 {
		return p.Host
	}
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// Transport is one concrete connection attempt to one host. Every transport
// finishes exactly once, reported through TransportHandler.OnTransportFinished
// unless it was disposed.
type Transport interface {
	ID() Ref
	Kind() TransportKind
	Params() TransportParams
	// Connect starts the attempt and returns immediately. Cancelling ctx
	// aborts a pending dial.
	Connect(ctx context.Context)
	Send(msg *ProtocolMessage) error
	// Disconnect, Close and Fail notify the peer when connected and then
	// finish the transport with the matching event.
	Disconnect(err *ErrorInfo)
	Close()
	Fail(err *ErrorInfo)
	// Dispose tears the transport down without reporting anything further.
	Dispose()
	IsConnected() bool
	IsFinished() bool
}

// TransportHandler receives transport lifecycle events. Calls arrive on
// transport goroutines.
type TransportHandler interface {
	// OnTransportPreconnect reports the transport is viable: socket open
	// or first poll response.
	OnTransportPreconnect(t Transport)
	// OnTransportConnected reports the CONNECTED frame.
	OnTransportConnected(t Transport, msg *ProtocolMessage)
	// OnTransportMessage delivers every other inbound frame the transport
	// does not consume itself.
	OnTransportMessage(t Transport, msg *ProtocolMessage)
	OnTransportFinished(t Transport, event TransportEvent, err *ErrorInfo)
}

// transportDeps are shared by every transport a manager creates.
type transportDeps struct {
	logger         Logger
	clock          clock
	serializer     Serializer
	requestTimeout time.Duration
	httpClient     *http.Client
	options        *Options
}

// transportCore is the lifecycle shared by websocket and polling transports.
// The owning transport supplies write and teardown.
type transportCore struct {
	id      Ref
	kind    TransportKind
	params  TransportParams
	handler TransportHandler
	owner   Transport
	deps    transportDeps

	write    func(msg *ProtocolMessage) error
	teardown func()

	mu           sync.Mutex
	connected    bool
	finished     bool
	idle         *idleTimer
	connectTimer stopper
}

func newTransportCore(kind TransportKind, params TransportParams, handler TransportHandler, deps transportDeps) *transportCore {
	c := &transportCore{
		id:      transportRefs.nextRef(),
		kind:    kind,
		params:  params,
		handler: handler,
		deps:    deps,
	}
	c.idle = newIdleTimer(deps.clock, deps.requestTimeout, func(idle time.Duration) {
		err := idleTimeoutError(idle.Milliseconds())
		c.deps.logger.Printf(LogWarning, string(c.kind), "transport %s: %s", c.id, err.Message)
		c.Disconnect(err)
	})
	return c
}

func (c *transportCore) ID() Ref                 { return c.id }
func (c *transportCore) Kind() TransportKind     { return c.kind }
func (c *transportCore) Params() TransportParams { return c.params }

func (c *transportCore) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

func (c *transportCore) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.finished
}

// preconnect arms the timer that bounds the wait for CONNECTED.
func (c *transportCore) preconnect() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	if c.connectTimer == nil {
		c.connectTimer = c.deps.clock.AfterFunc(c.deps.requestTimeout, func() {
			if !c.IsConnected() {
				c.Disconnect(newError(codeTimeout, http.StatusGatewayTimeout, "Timed out waiting for CONNECTED"))
			}
		})
	}
	c.mu.Unlock()

	c.handler.OnTransportPreconnect(c.owner)
}

// onActivity resets the idle watchdog.
func (c *transportCore) onActivity() {
	c.idle.activity()
}

// onProtocolMessage handles one decoded inbound frame.
func (c *transportCore) onProtocolMessage(msg *ProtocolMessage) {
	if c.IsFinished() {
		return
	}
	c.onActivity()

	switch msg.Action {
	case ActionConnected:
		c.mu.Lock()
		c.connected = true
		if c.connectTimer != nil {
			c.connectTimer.Stop()
			c.connectTimer = nil
		}
		c.mu.Unlock()
		if msg.ConnectionDetails != nil {
			c.idle.start(msg.ConnectionDetails.maxIdle())
		}
		c.handler.OnTransportConnected(c.owner, msg)
	case ActionClosed:
		c.finish(TransportClosed, msg.Error)
	case ActionDisconnected:
		c.finish(TransportDisconnected, msg.Error)
	case ActionError:
		if msg.Channel != "" {
			c.handler.OnTransportMessage(c.owner, msg)
			return
		}
		err := msg.Error
		if err == nil {
			err = unknownConnectionError()
		}
		c.finish(TransportFailed, err)
	default:
		if !msg.Action.known() {
			c.Fail(protocolError("Unrecognised protocol action %d", int(msg.Action)))
			return
		}
		c.handler.OnTransportMessage(c.owner, msg)
	}
}

func (c *transportCore) Send(msg *ProtocolMessage) error {
	if c.IsFinished() {
		return stateError(StateDisconnected)
	}
	return c.write(msg)
}

func (c *transportCore) Disconnect(err *ErrorInfo) {
	c.notifyPeer(ActionDisconnect)
	c.finish(TransportDisconnected, err)
}

func (c *transportCore) Close() {
	c.notifyPeer(ActionClose)
	c.finish(TransportClosed, nil)
}

func (c *transportCore) Fail(err *ErrorInfo) {
	c.notifyPeer(ActionDisconnect)
	c.finish(TransportFailed, err)
}

func (c *transportCore) Dispose() {
	if c.markFinished() {
		c.teardown()
	}
}

func (c *transportCore) notifyPeer(action Action) {
	if !c.IsConnected() || c.IsFinished() {
		return
	}
	if err := c.write(&ProtocolMessage{Action: action}); err != nil {
		c.deps.logger.Printf(LogDebug, string(c.kind), "transport %s: unable to send %s: %v", c.id, action, err)
	}
}

func (c *transportCore) markFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return false
	}
	c.finished = true
	c.connected = false
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	c.idle.stop()
	return true
}

// finish tears the transport down and reports event, at most once.
func (c *transportCore) finish(event TransportEvent, err *ErrorInfo) {
	if !c.markFinished() {
		return
	}
	c.deps.logger.Printf(LogDebug, string(c.kind), "transport %s to %s finished: %s %v", c.id, c.params.Host, event, err)
	c.teardown()
	c.handler.OnTransportFinished(c.owner, event, err)
}

// idleTimer disconnects a transport that has seen no inbound activity for
// the server's max idle interval plus a local margin.
type idleTimer struct {
	mu       sync.Mutex
	clock    clock
	margin   time.Duration
	maxIdle  time.Duration
	timer    stopper
	stopped  bool
	onExpire func(idle time.Duration)
}

func newIdleTimer(c clock, margin time.Duration, onExpire func(idle time.Duration)) *idleTimer {
	return &idleTimer{clock: c, margin: margin, onExpire: onExpire}
}

// start arms the watchdog. A zero maxIdle disables it.
func (t *idleTimer) start(maxIdle time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || maxIdle <= 0 {
		return
	}
	t.maxIdle = maxIdle
	t.schedule()
}

func (t *idleTimer) activity() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.maxIdle <= 0 {
		return
	}
	t.schedule()
}

func (t *idleTimer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *idleTimer) schedule() {
	if t.timer != nil {
		t.timer.Stop()
	}
	timeout := t.maxIdle + t.margin
	var fired stopper
	fired = t.clock.AfterFunc(timeout, func() {
		t.mu.Lock()
		current := t.timer == fired && !t.stopped
		t.mu.Unlock()
		if current {
			t.onExpire(timeout)
		}
	})
	t.timer = fired
}
