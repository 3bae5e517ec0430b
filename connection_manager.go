package realtime

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
)

// ConnectionManager owns one logical realtime connection. Every state
// mutation runs on a single loop goroutine; user callbacks (state
// listeners, inbound messages and send completions) run in order on a
// separate dispatch goroutine.
type ConnectionManager struct {
	opts         Options
	logger       Logger
	clock        clock
	rng          *rand.Rand
	loop         *executor
	dispatch     *executor
	states       *stateTable
	metrics      *metrics
	tracer       *tracer
	hostCache    *hostCache
	connectivity connectivityChecker
	serializer   Serializer
	newTransport func(kind TransportKind, params TransportParams, handler TransportHandler) Transport
	async        func(fn func())

	// loop owned
	state                  *stateInfo
	errorReason            *ErrorInfo
	connectionID           string
	connectionKey          string
	connectionDetails      *ConnectionDetails
	connectionStateTTL     time.Duration
	maxIdleInterval        time.Duration
	maxMessageSize         int
	msgSerial              int64
	recover                string
	connectCounter         uint64
	attemptCtx             context.Context
	attemptCancel          context.CancelFunc
	activeProtocol         *Protocol
	retired                []*Protocol
	pending                []Transport
	proposed               []Transport
	attempts               map[Transport]*transportAttempt
	queue                  *MessageQueue
	transitionTimer        *callbackTimer
	suspendTimer           *callbackTimer
	retryTimer             *callbackTimer
	autoReconnectTimer     *callbackTimer
	wsSlowTimer            *callbackTimer
	wsGiveUpTimer          *callbackTimer
	disconnectedRetryCount int
	lastAutoReconnect      time.Time
	lastActivity           time.Time
	forceFallbackHost      bool
	preference             *transportPreference
	pings                  map[string]*pendingPing

	mu        sync.RWMutex
	snap      snapshot
	listeners map[int]func(ConnectionStateChange)
	nextID    int
}

type snapshot struct {
	state         ConnectionState
	errorReason   *ErrorInfo
	connectionID  string
	connectionKey string
	msgSerial     int64
}

// transportAttempt tracks a transport from creation until it becomes
// pending or fails.
type transportAttempt struct {
	kind     TransportKind
	params   TransportParams
	counter  uint64
	ctx      context.Context
	span     trace.Span
	callback func(fatal bool)
}

type pingResult struct {
	rtt time.Duration
	err error
}

type pendingPing struct {
	id        string
	start     time.Time
	transport Transport
	timer     *callbackTimer
	result    chan pingResult
}

// managerDeps are the collaborators tests replace.
type managerDeps struct {
	clock        clock
	rng          *rand.Rand
	connectivity connectivityChecker
	newTransport func(kind TransportKind, params TransportParams, handler TransportHandler) Transport
	async        func(fn func())
}

// NewConnectionManager validates opts and returns a manager in the
// initialized state. It starts connecting right away when opts.AutoConnect
// is set.
func NewConnectionManager(opts Options) (*ConnectionManager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Dialer == nil {
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = opts.WebSocketConnectTimeout
		opts.Dialer = &dialer
	}
	if opts.Logger == nil {
		opts.Logger = NewNoopLogger()
	}

	deps := managerDeps{
		clock: realClock{},
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		connectivity: &netConnectivity{
			client:  opts.HTTPClient,
			dialer:  opts.Dialer,
			httpURL: opts.ConnectivityCheckURL,
			wsURL:   opts.WSConnectivityCheckURL,
			timeout: opts.HTTPRequestTimeout,
			logger:  opts.Logger,
		},
		async: func(fn func()) { go fn() },
	}
	m, err := newConnectionManager(opts, deps)
	if err != nil {
		return nil, err
	}
	if opts.AutoConnect {
		if err := m.Connect(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func newConnectionManager(opts Options, deps managerDeps) (*ConnectionManager, error) {
	if opts.Logger == nil {
		opts.Logger = NewNoopLogger()
	}
	serializer, err := newSerializer(opts.UseBinaryProtocol)
	if err != nil {
		return nil, err
	}

	m := &ConnectionManager{
		opts:               opts,
		logger:             opts.Logger,
		clock:              deps.clock,
		rng:                deps.rng,
		loop:               newExecutor(),
		dispatch:           newExecutor(),
		states:             newStateTable(&opts),
		metrics:            newMetrics(opts.MetricsRegisterer),
		tracer:             newTracer(opts.TracerProvider),
		connectivity:       deps.connectivity,
		serializer:         serializer,
		newTransport:       deps.newTransport,
		async:              deps.async,
		connectionStateTTL: opts.ConnectionStateTTL,
		maxIdleInterval:    defaultMaxIdleInterval,
		maxMessageSize:     opts.MaxMessageSize,
		recover:            opts.Recover,
		attempts:           make(map[Transport]*transportAttempt),
		pings:              make(map[string]*pendingPing),
		listeners:          make(map[int]func(ConnectionStateChange)),
	}
	m.hostCache = newHostCache(m.clock, opts.FallbackRetryTimeout)
	m.state = m.states.get(StateInitialized)
	m.snap.state = StateInitialized
	m.queue = newMessageQueue(m.logger, m.deliver)
	m.transitionTimer = newCallbackTimer(m.clock, m.loop)
	m.suspendTimer = newCallbackTimer(m.clock, m.loop)
	m.retryTimer = newCallbackTimer(m.clock, m.loop)
	m.autoReconnectTimer = newCallbackTimer(m.clock, m.loop)
	m.wsSlowTimer = newCallbackTimer(m.clock, m.loop)
	m.wsGiveUpTimer = newCallbackTimer(m.clock, m.loop)
	if m.newTransport == nil {
		m.newTransport = m.defaultTransport
	}
	return m, nil
}

func (m *ConnectionManager) defaultTransport(kind TransportKind, params TransportParams, handler TransportHandler) Transport {
	deps := transportDeps{
		logger:         m.logger,
		clock:          m.clock,
		serializer:     m.serializer,
		requestTimeout: m.opts.RealtimeRequestTimeout,
		httpClient:     m.opts.HTTPClient,
		options:        &m.opts,
	}
	if kind == TransportWebSocket {
		return newWebsocketTransport(m.opts.Dialer, params, handler, deps)
	}
	return newPollingTransport(m.opts.HTTPClient, params, handler, deps)
}

// Connect starts connecting, or reconnects from disconnected or suspended
// without waiting for the retry timer.
func (m *ConnectionManager) Connect() error {
	if m.State() == StateClosed || m.State() == StateFailed {
		return ErrTerminalState
	}
	if !m.loop.post(func() { m.requestState(StateConnecting, nil) }) {
		return ErrTerminalState
	}
	return nil
}

// Close closes the connection. Queued messages fail with a closed error.
func (m *ConnectionManager) Close() {
	m.loop.post(func() { m.requestState(StateClosing, nil) })
}

func (m *ConnectionManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snap.state
}

// ErrorReason is the reason of the last state change that carried one.
func (m *ConnectionManager) ErrorReason() *ErrorInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snap.errorReason.clone()
}

func (m *ConnectionManager) ConnectionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snap.connectionID
}

func (m *ConnectionManager) ConnectionKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snap.connectionKey
}

// Serial is the msgSerial the next ack-required message will get.
func (m *ConnectionManager) Serial() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.snap.msgSerial
}

// PreferredHost is the host REST requests should use: the fallback host a
// recent connection succeeded on, otherwise the primary REST host.
func (m *ConnectionManager) PreferredHost() string {
	if host := m.hostCache.get(); host != "" {
		return host
	}
	return m.opts.RestHost
}

// OnStateChange registers listener for every state change and returns a
// function that removes it.
func (m *ConnectionManager) OnStateChange(listener func(ConnectionStateChange)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Send transmits msg when connected. Otherwise it is queued when queueable
// is set and the state queues events, or rejected. onComplete runs once
// with the ACK/NACK outcome for MESSAGE and PRESENCE frames, and once the
// frame is written for every other action.
func (m *ConnectionManager) Send(msg *ProtocolMessage, queueable bool, onComplete func(err *ErrorInfo)) {
	if m.loop.post(func() { m.send(msg, queueable, onComplete) }) {
		return
	}
	if onComplete != nil {
		reason := m.ErrorReason()
		if reason == nil {
			reason = stateError(m.State())
		}
		m.deliver(func() { onComplete(reason) })
	}
}

// Ping sends a HEARTBEAT and waits for the matching response. If the
// transport is replaced first, the ping is repeated on the new one.
func (m *ConnectionManager) Ping(ctx context.Context) (time.Duration, error) {
	result := make(chan pingResult, 1)
	if !m.loop.post(func() { m.ping(result) }) {
		return 0, stateError(m.State())
	}
	select {
	case r := <-result:
		return r.rtt, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// CreateRecoveryToken returns a token that lets a new manager recover this
// connection, or "" when there is no connection to recover.
func (m *ConnectionManager) CreateRecoveryToken() (string, error) {
	var rc RecoveryContext
	if !m.loop.call(func() {
		rc.ConnectionKey = m.connectionKey
		rc.MsgSerial = m.msgSerial
	}) {
		return "", nil
	}
	if rc.ConnectionKey == "" {
		return "", nil
	}
	if m.opts.Channels != nil {
		rc.ChannelSerials = m.opts.Channels.ChannelSerials()
	}
	return encodeRecoveryToken(rc)
}

// deliver runs fn on the dispatch goroutine.
func (m *ConnectionManager) deliver(fn func()) {
	if !m.dispatch.post(fn) {
		go fn()
	}
}

func (m *ConnectionManager) publish() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snap = snapshot{
		state:         m.state.state,
		errorReason:   m.errorReason,
		connectionID:  m.connectionID,
		connectionKey: m.connectionKey,
		msgSerial:     m.msgSerial,
	}
}

func (m *ConnectionManager) notifyListeners(change ConnectionStateChange) {
	m.mu.RLock()
	listeners := make([]func(ConnectionStateChange), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if l, ok := m.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	m.mu.RUnlock()

	m.deliver(func() {
		for _, l := range listeners {
			l(change)
		}
	})
}

// requestState is a caller-driven transition.
func (m *ConnectionManager) requestState(target ConnectionState, err *ErrorInfo) {
	m.logger.Printf(LogDebug, "connection", "requested state: %s; current state: %s", target, m.state.state)
	if target == m.state.state || m.state.terminal {
		return
	}

	m.transitionTimer.Stop()
	m.retryTimer.Stop()
	m.checkSuspendTimer(target)

	if target == StateConnecting && m.state.state == StateConnected {
		return
	}
	if target == StateClosing && m.state.state == StateClosed {
		return
	}

	if err == nil {
		err = stateReason(target)
	}
	m.enactStateChange(ConnectionStateChange{
		Previous: m.state.state,
		Current:  target,
		Reason:   err,
	})

	switch target {
	case StateConnecting:
		m.loop.post(m.startConnect)
	case StateClosing:
		m.closeImpl()
	}
}

// stateReason is the default reason attached when entering state.
func stateReason(state ConnectionState) *ErrorInfo {
	if _, ok := connectionErrors[state]; ok {
		return stateError(state)
	}
	return nil
}

// notifyState is an event-driven transition: a transport finished, a timer
// fired or authorization failed.
func (m *ConnectionManager) notifyState(target ConnectionState, err *ErrorInfo, retryImmediately bool) {
	retryImmediately = target == StateDisconnected &&
		(m.state.state == StateConnected ||
			retryImmediately ||
			(m.state.state == StateConnecting && isTokenErr(err) && !isTokenErr(m.errorReason)))

	m.logger.Printf(LogDebug, "connection", "new state: %s; retry immediately: %t", target, retryImmediately)
	if target == m.state.state {
		return
	}

	m.transitionTimer.Stop()
	m.retryTimer.Stop()
	m.checkSuspendTimer(target)

	if target == StateSuspended || target == StateConnected {
		m.disconnectedRetryCount = 0
	}

	if m.state.terminal {
		return
	}

	next := m.states.get(target)
	retryIn := next.retryDelay
	if target == StateDisconnected {
		m.disconnectedRetryCount++
		retryIn = retryDelay(next.retryDelay, m.disconnectedRetryCount, m.rng)
	}

	if err == nil {
		err = stateReason(target)
	}
	change := ConnectionStateChange{
		Previous: m.state.state,
		Current:  target,
		Reason:   err,
	}

	if retryImmediately {
		m.scheduleAutoReconnect()
	} else if target == StateDisconnected || target == StateSuspended {
		change.RetryIn = retryIn
		m.retryTimer.Start(retryIn, func() {
			m.requestState(StateConnecting, nil)
		})
	}

	if (target == StateDisconnected && !retryImmediately) || target == StateSuspended {
		m.loop.post(m.disconnectAllTransports)
	}

	if target == StateConnected && m.activeProtocol == nil {
		m.logger.Printf(LogError, "connection", "entering connected without an active protocol")
	}

	m.enactStateChange(change)
	if m.state.sendEvents {
		m.sendQueuedMessages()
	} else if !m.state.queueEvents {
		reason := change.Reason
		if h := m.opts.Channels; h != nil {
			state := m.state.state
			m.deliver(func() { h.OnConnectionInterrupted(state, reason) })
		}
		m.failQueuedMessages(reason)
	}
}

// scheduleAutoReconnect reconnects on the next loop turn, at most once a
// second.
func (m *ConnectionManager) scheduleAutoReconnect() {
	reconnect := func() {
		if m.state.state == StateDisconnected {
			m.lastAutoReconnect = m.clock.Now()
			m.requestState(StateConnecting, nil)
		}
	}
	if !m.lastAutoReconnect.IsZero() {
		since := m.clock.Now().Sub(m.lastAutoReconnect)
		if since < minImmediateRetryInterval {
			m.logger.Printf(LogDebug, "connection", "last reconnect attempt was %v ago; waiting", since)
			m.autoReconnectTimer.Start(minImmediateRetryInterval-since, reconnect)
			return
		}
	}
	m.loop.post(reconnect)
}

func (m *ConnectionManager) enactStateChange(change ConnectionStateChange) {
	level := LogInfo
	if change.Current == StateFailed || change.Current == StateSuspended {
		level = LogWarning
	}
	m.logger.Printf(level, "connection", "connection state: %s -> %s; reason: %v", change.Previous, change.Current, change.Reason)

	m.state = m.states.get(change.Current)
	if change.Reason != nil {
		m.errorReason = change.Reason
	}
	if m.state.terminal || m.state.state == StateSuspended {
		m.clearConnection()
	}
	m.metrics.stateChange(change.Previous, change.Current)
	m.publish()
	m.notifyListeners(change)

	if m.state.terminal {
		m.loop.post(m.shutdown)
	}
}

// shutdown releases everything once a terminal state was entered.
func (m *ConnectionManager) shutdown() {
	m.disconnectAllTransports()
	m.cancelTimers()
	reason := m.errorReason
	if reason == nil {
		reason = stateError(m.state.state)
	}
	for id, p := range m.pings {
		p.timer.Stop()
		p.result <- pingResult{err: reason}
		delete(m.pings, id)
	}
	if m.attemptCancel != nil {
		m.attemptCancel()
	}
	m.loop.stop()
	m.dispatch.stop()
}

func (m *ConnectionManager) cancelTimers() {
	m.transitionTimer.Stop()
	m.suspendTimer.Stop()
	m.retryTimer.Stop()
	m.autoReconnectTimer.Stop()
	m.wsSlowTimer.Stop()
	m.wsGiveUpTimer.Stop()
}

func (m *ConnectionManager) startTransitionTimer(state ConnectionState) {
	info := m.states.get(state)
	m.transitionTimer.Start(info.retryDelay, func() {
		failState := m.states.get(state).failState
		m.logger.Printf(LogDebug, "connection", "transition timer expired; requesting %s", failState)
		m.notifyState(failState, nil, false)
	})
}

func (m *ConnectionManager) startSuspendTimer() {
	if m.suspendTimer.Active() {
		return
	}
	m.suspendTimer.Start(m.connectionStateTTL, func() {
		m.logger.Printf(LogDebug, "connection", "suspend timer expired")
		m.states.get(StateConnecting).failState = StateSuspended
		m.notifyState(StateSuspended, nil, false)
	})
}

func (m *ConnectionManager) checkSuspendTimer(state ConnectionState) {
	if state != StateDisconnected && state != StateSuspended && state != StateConnecting {
		m.cancelSuspendTimer()
	}
}

func (m *ConnectionManager) cancelSuspendTimer() {
	m.states.get(StateConnecting).failState = StateDisconnected
	m.suspendTimer.Stop()
}

// setConnection records the server-assigned identity. A new connection id,
// or a failed recover, restarts serial numbering.
func (m *ConnectionManager) setConnection(id, key string, hasErr bool) {
	idChanged := m.connectionID != "" && m.connectionID != id
	recoverFailed := m.connectionID == "" && hasErr
	if idChanged || recoverFailed {
		m.logger.Printf(LogDebug, "connection", "resetting msgSerial")
		m.msgSerial = 0
		m.queue.resetSendAttempted()
	}
	m.connectionID = id
	m.connectionKey = key
	m.publish()
}

func (m *ConnectionManager) clearConnection() {
	m.connectionID = ""
	m.connectionKey = ""
	m.msgSerial = 0
}

// checkConnectionStateFreshness discards a connection the server has
// certainly forgotten by now.
func (m *ConnectionManager) checkConnectionStateFreshness() {
	if m.lastActivity.IsZero() || m.connectionID == "" {
		return
	}
	since := m.clock.Now().Sub(m.lastActivity)
	if since > m.connectionStateTTL+m.maxIdleInterval {
		m.logger.Printf(LogInfo, "connection", "last activity was %v ago; discarding connection state", since)
		m.clearConnection()
		m.states.get(StateConnecting).failState = StateSuspended
		m.publish()
	}
}

func (m *ConnectionManager) closeImpl() {
	m.logger.Printf(LogDebug, "connection", "closing connection")
	m.cancelSuspendTimer()
	m.startTransitionTimer(StateClosing)

	for _, t := range m.pending {
		t.Close()
	}
	m.pending = nil
	for _, t := range m.proposed {
		m.dropAttempt(t, "closed", nil)
		t.Dispose()
	}
	m.proposed = nil

	if p := m.activeProtocol; p != nil {
		m.queuePendingMessages(p.clearPendingMessages())
		m.activeProtocol = nil
		p.transport.Close()
	}

	m.notifyState(StateClosed, nil, false)
}

// disconnectAllTransports abandons the current attempt and every transport.
func (m *ConnectionManager) disconnectAllTransports() {
	m.logger.Printf(LogDebug, "connection", "disconnecting all transports")
	m.newAttempt()

	for _, t := range m.pending {
		t.Disconnect(nil)
	}
	m.pending = nil
	for _, t := range m.proposed {
		m.dropAttempt(t, "abandoned", nil)
		t.Dispose()
	}
	m.proposed = nil

	if m.activeProtocol != nil {
		m.activeProtocol.transport.Disconnect(nil)
	}
}

// newAttempt invalidates every continuation of the previous attempt.
func (m *ConnectionManager) newAttempt() (uint64, context.Context) {
	if m.attemptCancel != nil {
		m.attemptCancel()
	}
	m.connectCounter++
	m.attemptCtx, m.attemptCancel = context.WithCancel(context.Background())
	return m.connectCounter, m.attemptCtx
}

func (m *ConnectionManager) stale(counter uint64) bool {
	return counter != m.connectCounter
}

func (m *ConnectionManager) send(msg *ProtocolMessage, queueable bool, onComplete func(err *ErrorInfo)) {
	if m.state.sendEvents {
		m.sendImpl(newPendingMessage(msg, onComplete))
		return
	}
	if !queueable || !m.state.queueEvents {
		err := m.errorReason
		if err == nil {
			err = newErrorf(codeMessageRejected, http.StatusBadRequest,
				"rejecting event, queueEvent was %t, state was %s", queueable, m.state.state)
		}
		if onComplete != nil {
			m.deliver(func() { onComplete(err) })
		}
		return
	}
	m.queueMessage(msg, onComplete)
}

// sendImpl assigns the serial on first transmission only, so a resent
// message keeps the serial the server may already have seen.
func (m *ConnectionManager) sendImpl(pm *PendingMessage) {
	if m.activeProtocol == nil {
		m.queue.push(pm)
		return
	}
	if pm.ackRequired && !pm.sendAttempted {
		pm.Message.setSerial(m.msgSerial)
		m.msgSerial++
		m.publish()
	}
	err := m.activeProtocol.send(pm)
	m.metrics.messagesSent.Inc()
	if err != nil {
		m.logger.Printf(LogError, "connection", "unable to send %s: %v", pm.Message.Action, err)
	}
	if !pm.ackRequired {
		m.queue.complete(pm, wrapError(err, codeConnectionDisconnect, http.StatusBadRequest))
	}
}

func (m *ConnectionManager) queueMessage(msg *ProtocolMessage, onComplete func(err *ErrorInfo)) {
	last := m.queue.last()
	if last != nil && !last.sendAttempted && bundleWith(last.Message, msg, m.maxMessageSize) {
		last.addCallback(onComplete)
	} else {
		m.queue.push(newPendingMessage(msg, onComplete))
	}
	m.metrics.queuedMessages.Set(float64(m.queue.count()))
}

func (m *ConnectionManager) sendQueuedMessages() {
	m.logger.Printf(LogDebug, "connection", "sending %d queued messages", m.queue.count())
	for pm := m.queue.shift(); pm != nil; pm = m.queue.shift() {
		m.sendImpl(pm)
	}
	m.metrics.queuedMessages.Set(0)
}

func (m *ConnectionManager) queuePendingMessages(msgs []*PendingMessage) {
	if len(msgs) == 0 {
		return
	}
	m.logger.Printf(LogDebug, "connection", "requeueing %d pending messages", len(msgs))
	m.queue.prepend(msgs)
	m.metrics.queuedMessages.Set(float64(m.queue.count()))
}

func (m *ConnectionManager) failQueuedMessages(err *ErrorInfo) {
	if n := m.queue.count(); n > 0 {
		m.logger.Printf(LogError, "connection", "failing %d queued messages: %v", n, err)
		m.queue.completeAllMessages(err)
	}
	m.metrics.queuedMessages.Set(0)
}

// protocolFor finds the protocol, active or finishing, that owns t.
func (m *ConnectionManager) protocolFor(t Transport) *Protocol {
	if m.activeProtocol != nil && m.activeProtocol.transport == t {
		return m.activeProtocol
	}
	for _, p := range m.retired {
		if p.transport == t {
			return p
		}
	}
	return nil
}

func (m *ConnectionManager) onChannelMessage(t Transport, msg *ProtocolMessage) {
	m.lastActivity = m.clock.Now()
	active := m.activeProtocol != nil && m.activeProtocol.transport == t

	switch msg.Action {
	case ActionAck, ActionNack:
		p := m.protocolFor(t)
		if p == nil {
			m.logger.Printf(LogDebug, "protocol", "ignoring %s on defunct transport %s", msg.Action, t.ID())
			return
		}
		serial, _ := msg.Serial()
		var violation *ErrorInfo
		if msg.Action == ActionAck {
			violation = p.onAck(serial, msg.Count)
		} else {
			violation = p.onNack(serial, msg.Count, msg.Error)
		}
		m.metrics.ack(msg.Action == ActionNack)
		if violation != nil {
			m.logger.Printf(LogError, "protocol", "%v; failing transport %s", violation, t.ID())
			t.Fail(violation)
		}
		return
	case ActionHeartbeat:
		m.onHeartbeat(t, msg.ID)
		return
	case ActionAuth:
		if active {
			m.reauthorize()
		}
		return
	}

	if !active && msg.Action != ActionError {
		m.logger.Printf(LogDebug, "connection", "discarding %s received on defunct transport %s", msg.Action, t.ID())
		return
	}
	if h := m.opts.Channels; h != nil {
		m.deliver(func() { h.OnInboundMessage(msg) })
	}
}

// reauthorize answers a server AUTH request with a renewed token.
func (m *ConnectionManager) reauthorize() {
	creds := m.opts.Credentials
	if creds == nil {
		return
	}
	ctx := m.attemptCtx
	m.async(func() {
		params, err := authorize(ctx, creds, true)
		m.loop.post(func() {
			if err != nil {
				m.logger.Printf(LogError, "auth", "server requested reauth; renewal failed: %v", err)
				m.actOnErrorFromAuthorize(err)
				return
			}
			token := params["accessToken"]
			if token == "" {
				return
			}
			m.send(&ProtocolMessage{Action: ActionAuth, Auth: &AuthDetails{AccessToken: token}}, false, nil)
		})
	})
}

// actOnErrorFromAuthorize maps a credentials failure onto a state.
func (m *ConnectionManager) actOnErrorFromAuthorize(err *ErrorInfo) {
	switch {
	case isFatalAuthErr(err):
		m.notifyState(StateFailed, err, false)
	case err.StatusCode == http.StatusForbidden:
		msg := "Client configured authentication provider returned 403; failing the connection"
		m.logger.Printf(LogError, "auth", msg)
		m.notifyState(StateFailed, &ErrorInfo{Code: codeAuthProvider, StatusCode: http.StatusForbidden, Message: msg, cause: err}, false)
	default:
		m.notifyState(m.state.failState, &ErrorInfo{
			Code:       codeAuthProvider,
			StatusCode: http.StatusUnauthorized,
			Message:    "Client configured authentication provider request failed",
			cause:      err,
		}, false)
	}
}

func (m *ConnectionManager) ping(result chan pingResult) {
	if m.state.state != StateConnected || m.activeProtocol == nil {
		result <- pingResult{err: newError(codeBadRequest, http.StatusBadRequest, "Unable to ping service; not connected")}
		return
	}
	p := &pendingPing{
		id:     fmt.Sprintf("%016x", m.rng.Uint64()),
		result: result,
		timer:  newCallbackTimer(m.clock, m.loop),
	}
	m.pings[p.id] = p
	m.sendPing(p, m.activeProtocol.transport)
}

func (m *ConnectionManager) sendPing(p *pendingPing, t Transport) {
	p.transport = t
	p.start = m.clock.Now()
	p.timer.Start(m.opts.RealtimeRequestTimeout, func() {
		delete(m.pings, p.id)
		p.result <- pingResult{err: newError(codeInternal, http.StatusInternalServerError, "Timeout waiting for heartbeat response")}
	})
	if err := t.Send(&ProtocolMessage{Action: ActionHeartbeat, ID: p.id}); err != nil {
		m.logger.Printf(LogWarning, "connection", "unable to send heartbeat: %v", err)
	}
}

func (m *ConnectionManager) onHeartbeat(t Transport, id string) {
	p, ok := m.pings[id]
	if !ok || p.transport != t {
		return
	}
	p.timer.Stop()
	delete(m.pings, id)
	p.result <- pingResult{rtt: m.clock.Now().Sub(p.start)}
}

// retryPings repeats outstanding pings on a newly activated transport.
func (m *ConnectionManager) retryPings(t Transport) {
	for _, p := range m.pings {
		if p.transport != t {
			m.sendPing(p, t)
		}
	}
}
