package realtime

import (
	"net/http"
)

// transportSink forwards transport callbacks onto the manager loop.
type transportSink struct {
	m *ConnectionManager
}

func (s transportSink) OnTransportPreconnect(t Transport) {
	if !s.m.loop.post(func() { s.m.onTransportPreconnect(t) }) {
		t.Dispose()
	}
}

func (s transportSink) OnTransportConnected(t Transport, msg *ProtocolMessage) {
	if !s.m.loop.post(func() { s.m.onTransportConnected(t, msg) }) {
		t.Dispose()
	}
}

func (s transportSink) OnTransportMessage(t Transport, msg *ProtocolMessage) {
	s.m.loop.post(func() { s.m.onChannelMessage(t, msg) })
}

func (s transportSink) OnTransportFinished(t Transport, event TransportEvent, err *ErrorInfo) {
	s.m.loop.post(func() { s.m.onTransportFinished(t, event, err) })
}

func (m *ConnectionManager) startConnect() {
	if m.state.state != StateConnecting {
		m.logger.Printf(LogDebug, "connection", "start connect: state is %s; not connecting", m.state.state)
		return
	}
	counter, ctx := m.newAttempt()
	m.startSuspendTimer()
	m.startTransitionTimer(StateConnecting)

	force := isTokenErr(m.errorReason)
	creds := m.opts.Credentials
	m.async(func() {
		auth, err := authorize(ctx, creds, force)
		m.loop.post(func() {
			if m.stale(counter) {
				return
			}
			if err != nil {
				m.actOnErrorFromAuthorize(err)
				return
			}
			m.checkConnectionStateFreshness()
			m.connectImpl(m.transportParams(auth), counter)
		})
	})
}

// transportParams picks the connect mode: resume while a connection key is
// held, recover once when a recovery token was configured, clean otherwise.
func (m *ConnectionManager) transportParams(auth map[string]string) TransportParams {
	params := TransportParams{
		Port:     m.opts.Port,
		TLS:      m.opts.TLS,
		Mode:     ModeClean,
		Format:   m.serializer.format(),
		ClientID: m.opts.ClientID,
		Echo:     m.opts.EchoMessages,
		Custom:   m.opts.TransportParams,
		Auth:     auth,
	}
	switch {
	case m.connectionKey != "":
		params.Mode = ModeResume
		params.ConnectionKey = m.connectionKey
	case m.recover != "":
		rc, err := DecodeRecoveryToken(m.recover)
		if err != nil {
			m.logger.Printf(LogError, "connection", "ignoring recovery token: %v", err)
			m.recover = ""
			break
		}
		params.Mode = ModeRecover
		params.RecoverKey = rc.ConnectionKey
		m.msgSerial = rc.MsgSerial
		m.publish()
		if h := m.opts.Channels; h != nil && len(rc.ChannelSerials) > 0 {
			serials := rc.ChannelSerials
			m.deliver(func() { h.RecoverChannels(serials) })
		}
	}
	return params
}

func (m *ConnectionManager) connectImpl(params TransportParams, counter uint64) {
	if m.state.state != StateConnecting {
		return
	}
	if len(m.pending) > 0 {
		m.logger.Printf(LogDebug, "connection", "transport %s already pending", m.pending[0].ID())
		return
	}

	wsAvailable := m.opts.hasTransport(TransportWebSocket)
	if wsAvailable && m.preference.valid(m.clock.Now()) && m.preference.kind == TransportPolling {
		if m.opts.hasTransport(TransportPolling) {
			// polling is preferred for now; clear that once websockets get
			// through again so the next connect upgrades
			ctx := m.attemptCtx
			m.async(func() {
				if m.connectivity.CheckWebSocket(ctx) {
					m.loop.post(func() { m.preference = nil })
				}
			})
			m.connectBase(params, counter)
			return
		}
	}
	if wsAvailable {
		m.connectWs(params, counter)
		return
	}
	m.connectBase(params, counter)
}

func (m *ConnectionManager) connectWs(params TransportParams, counter uint64) {
	m.wsSlowTimer.Start(m.opts.WebSocketSlowTimeout, func() {
		if m.stale(counter) || m.state.state != StateConnecting {
			return
		}
		m.logger.Printf(LogInfo, "connection", "websocket connect is slow; checking connectivity")
		ctx := m.attemptCtx
		m.async(func() {
			httpUp := m.connectivity.CheckHTTP(ctx)
			wsUp := httpUp && m.connectivity.CheckWebSocket(ctx)
			m.loop.post(func() {
				if m.stale(counter) || m.state.state != StateConnecting {
					return
				}
				switch {
				case !httpUp:
					m.wsGiveUpTimer.Stop()
					m.disconnectAllTransports()
					m.notifyState(m.state.failState, networkUnreachableError(), false)
				case !wsUp:
					m.switchToBase(params, counter, nil)
				}
			})
		})
	})
	m.wsGiveUpTimer.Start(m.opts.WebSocketConnectTimeout, func() {
		if m.stale(counter) || m.state.state != StateConnecting {
			return
		}
		m.logger.Printf(LogInfo, "connection", "websocket did not connect in %v", m.opts.WebSocketConnectTimeout)
		m.switchToBase(params, counter, nil)
	})

	m.tryHosts(TransportWebSocket, params, counter, func(err *ErrorInfo) {
		m.switchToBase(params, counter, err)
	})
}

// switchToBase abandons websockets for this attempt and continues with
// polling. Nothing changes while a websocket is pending or active.
func (m *ConnectionManager) switchToBase(params TransportParams, counter uint64, reason *ErrorInfo) {
	if m.stale(counter) || m.state.state != StateConnecting {
		return
	}
	if m.activeProtocol != nil || len(m.pending) > 0 {
		return
	}
	m.wsSlowTimer.Stop()
	m.wsGiveUpTimer.Stop()

	if !m.opts.hasTransport(TransportPolling) {
		if reason != nil {
			m.notifyState(m.state.failState, reason, false)
		}
		return
	}

	m.logger.Printf(LogInfo, "connection", "websocket unavailable; falling back to %s", TransportPolling)
	m.preference = &transportPreference{
		kind:    TransportPolling,
		expires: m.clock.Now().Add(defaultTransportPreferenceTTL),
	}
	for _, t := range m.proposed {
		m.dropAttempt(t, "abandoned", nil)
		t.Dispose()
	}
	m.proposed = nil

	counter, _ = m.newAttempt()
	m.connectBase(params, counter)
}

func (m *ConnectionManager) connectBase(params TransportParams, counter uint64) {
	m.tryHosts(TransportPolling, params, counter, func(err *ErrorInfo) {
		if m.stale(counter) || m.state.state != StateConnecting {
			return
		}
		m.notifyState(m.state.failState, err, false)
	})
}

func (m *ConnectionManager) primaryHost(kind TransportKind) string {
	if kind == TransportPolling {
		return m.opts.RestHost
	}
	return m.opts.RealtimeHost
}

// tryHosts tries the primary host, then fallback hosts in random order
// while the retry count and duration allow.
func (m *ConnectionManager) tryHosts(kind TransportKind, params TransportParams, counter uint64, exhausted func(err *ErrorInfo)) {
	seq := &hostSequence{
		kind:      kind,
		params:    params,
		counter:   counter,
		ctx:       m.attemptCtx,
		fallbacks: sampleFallbacks(m.opts.FallbackHosts, m.opts.HTTPMaxRetryCount, m.rng),
		deadline:  m.clock.Now().Add(m.opts.HTTPMaxRetryDuration),
		exhausted: exhausted,
	}

	if m.forceFallbackHost && len(seq.fallbacks) > 0 {
		m.forceFallbackHost = false
		m.tryFallback(seq)
		return
	}
	m.tryATransport(kind, params.withHost(m.primaryHost(kind)), counter, func(fatal bool) {
		if fatal || m.stale(counter) {
			return
		}
		m.tryFallback(seq)
	})
}

// tryFallback moves on to the next fallback host, but only after the
// network itself has been confirmed reachable.
func (m *ConnectionManager) tryFallback(seq *hostSequence) {
	host, ok := seq.next()
	if !ok {
		seq.exhausted(newError(codeConnectionDisconnect, http.StatusNotFound, "Unable to connect (no more fallback hosts to try)"))
		return
	}
	if !m.clock.Now().Before(seq.deadline) {
		seq.exhausted(newError(codeConnectionDisconnect, http.StatusNotFound, "Unable to connect (fallback retry duration exceeded)"))
		return
	}

	ctx := seq.ctx
	m.async(func() {
		up := m.connectivity.CheckHTTP(ctx)
		m.loop.post(func() {
			if m.stale(seq.counter) || m.state.state != StateConnecting {
				return
			}
			if !up {
				seq.exhausted(networkUnreachableError())
				return
			}
			m.tryATransport(seq.kind, seq.params.withHost(host), seq.counter, func(fatal bool) {
				if fatal || m.stale(seq.counter) {
					return
				}
				m.tryFallback(seq)
			})
		})
	})
}

// tryATransport starts one transport. callback runs if it fails before
// becoming viable; fatal means the connection state was already decided.
func (m *ConnectionManager) tryATransport(kind TransportKind, params TransportParams, counter uint64, callback func(fatal bool)) {
	params.Heartbeats = kind == TransportPolling
	m.logger.Printf(LogDebug, "connection", "trying %s transport to %s (%s)", kind, params.Host, params.Mode)

	t := m.newTransport(kind, params, transportSink{m: m})
	m.proposed = append(m.proposed, t)
	m.attempts[t] = &transportAttempt{
		kind:     kind,
		params:   params,
		counter:  counter,
		ctx:      m.attemptCtx,
		span:     m.tracer.startAttempt(m.attemptCtx, kind, params),
		callback: callback,
	}
	t.Connect(m.attemptCtx)
}

func (m *ConnectionManager) dropAttempt(t Transport, outcome string, err *ErrorInfo) {
	a, ok := m.attempts[t]
	if !ok {
		return
	}
	delete(m.attempts, t)
	endAttempt(a.span, outcome, err)
	m.metrics.transportAttempt(a.kind, outcome)
}

func (m *ConnectionManager) onTransportPreconnect(t Transport) {
	if !containsTransport(m.proposed, t) {
		return
	}
	a := m.attempts[t]
	m.proposed = removeTransport(m.proposed, t)

	switch m.state.state {
	case StateClosing, StateClosed, StateFailed:
		m.logger.Printf(LogDebug, "connection", "transport %s viable after close; closing it", t.ID())
		m.dropAttempt(t, "abandoned", nil)
		t.Close()
		if a != nil {
			a.callback(true)
		}
		return
	}

	m.logger.Printf(LogDebug, "connection", "transport %s to %s pending", t.ID(), t.Params().Host)
	m.pending = append(m.pending, t)
}

func (m *ConnectionManager) onTransportConnected(t Transport, msg *ProtocolMessage) {
	m.lastActivity = m.clock.Now()

	if m.activeProtocol != nil && m.activeProtocol.transport == t {
		m.logger.Printf(LogDebug, "connection", "connection details update on transport %s", t.ID())
		m.updateConnection(msg)
		if err := m.onConnectionDetailsUpdate(msg.ConnectionDetails); err != nil {
			t.Fail(err)
			return
		}
		if msg.Error != nil {
			m.errorReason = msg.Error
			m.publish()
			m.notifyListeners(ConnectionStateChange{Previous: StateConnected, Current: StateConnected, Reason: msg.Error})
		}
		return
	}
	if !containsTransport(m.pending, t) {
		m.logger.Printf(LogDebug, "connection", "ignoring CONNECTED on transport %s", t.ID())
		return
	}
	m.activateTransport(t, msg)
}

// activateTransport makes a transport that received CONNECTED the active
// one and retires everything else.
func (m *ConnectionManager) activateTransport(t Transport, msg *ProtocolMessage) bool {
	m.preference = &transportPreference{
		kind:    t.Kind(),
		expires: m.clock.Now().Add(defaultTransportPreferenceTTL),
	}

	switch m.state.state {
	case StateClosing, StateClosed, StateFailed:
		m.logger.Printf(LogDebug, "connection", "disconnecting transport %s activated in state %s", t.ID(), m.state.state)
		t.Disconnect(nil)
		return false
	}

	m.pending = removeTransport(m.pending, t)
	if !t.IsConnected() {
		return false
	}

	a := m.attempts[t]
	m.logger.Printf(LogInfo, "connection", "activating %s transport %s to %s", t.Kind(), t.ID(), t.Params().Host)

	old := m.activeProtocol
	m.activeProtocol = newProtocol(t, m.logger, m.deliver)
	if old != nil {
		m.retired = append(m.retired, old)
		old.finish()
	}

	if host := t.Params().Host; host == m.primaryHost(t.Kind()) {
		m.hostCache.clear()
	} else {
		m.hostCache.set(host)
	}

	m.updateConnection(msg)
	if err := m.onConnectionDetailsUpdate(msg.ConnectionDetails); err != nil {
		m.dropAttempt(t, "failed", err)
		t.Fail(err)
		return false
	}

	if a != nil && a.params.Mode == ModeRecover {
		m.recover = ""
	}
	m.wsSlowTimer.Stop()
	m.wsGiveUpTimer.Stop()
	m.dropAttempt(t, "connected", nil)

	if m.state.state == StateConnected {
		if msg.Error != nil {
			m.errorReason = msg.Error
			m.publish()
		}
	} else {
		m.notifyState(StateConnected, msg.Error, false)
		m.errorReason = msg.Error
		m.publish()
	}

	m.retryPings(t)

	for _, p := range m.pending {
		p.Disconnect(nil)
	}
	m.pending = nil
	for _, p := range m.proposed {
		m.dropAttempt(p, "abandoned", nil)
		p.Dispose()
	}
	m.proposed = nil
	return true
}

// updateConnection applies the identity carried by a CONNECTED frame.
func (m *ConnectionManager) updateConnection(msg *ProtocolMessage) {
	key := msg.ConnectionKey
	if msg.ConnectionDetails != nil && msg.ConnectionDetails.ConnectionKey != "" {
		key = msg.ConnectionDetails.ConnectionKey
	}
	if key != "" && key != m.connectionKey {
		m.setConnection(msg.ConnectionID, key, msg.Error != nil)
	}
}

func (m *ConnectionManager) onConnectionDetailsUpdate(details *ConnectionDetails) *ErrorInfo {
	if details == nil {
		return nil
	}
	m.connectionDetails = details
	if details.MaxMessageSize > 0 {
		m.maxMessageSize = details.MaxMessageSize
	}
	if ttl := details.stateTTL(); ttl > 0 {
		m.connectionStateTTL = ttl
	}
	if idle := details.maxIdle(); idle > 0 {
		m.maxIdleInterval = idle
	}
	if details.ClientID != "" && m.opts.ClientID != "" && details.ClientID != m.opts.ClientID {
		return newErrorf(codeIncompatibleClientID, http.StatusUnauthorized,
			"Unable to connect; server assigned clientId %q does not match %q", details.ClientID, m.opts.ClientID)
	}
	return nil
}

func (m *ConnectionManager) onTransportFinished(t Transport, event TransportEvent, err *ErrorInfo) {
	if containsTransport(m.proposed, t) {
		m.onAttemptFailed(t, event, err)
		return
	}
	m.deactivateTransport(t, event, err)
}

// onAttemptFailed handles a transport that finished before becoming viable.
func (m *ConnectionManager) onAttemptFailed(t Transport, event TransportEvent, err *ErrorInfo) {
	a := m.attempts[t]
	m.proposed = removeTransport(m.proposed, t)
	m.dropAttempt(t, "failed", err)
	if a == nil || m.stale(a.counter) {
		return
	}
	m.logger.Printf(LogInfo, "connection", "%s transport to %s failed: %s %v", a.kind, a.params.Host, event, err)

	switch m.state.state {
	case StateClosing, StateClosed, StateFailed:
		a.callback(true)
		return
	}

	if isTokenErr(err) && !isTokenErr(m.errorReason) {
		m.errorReason = err
		m.publish()
		m.retryWithRenewedToken(a)
		return
	}
	if event == TransportFailed {
		m.notifyState(StateFailed, err, false)
		a.callback(true)
		return
	}
	if !isRetriable(err) {
		m.notifyState(m.state.failState, err, false)
		a.callback(true)
		return
	}
	a.callback(false)
}

// retryWithRenewedToken repeats a failed attempt on the same host once
// fresh credentials are available.
func (m *ConnectionManager) retryWithRenewedToken(a *transportAttempt) {
	creds := m.opts.Credentials
	ctx := a.ctx
	m.async(func() {
		auth, err := authorize(ctx, creds, true)
		m.loop.post(func() {
			if m.stale(a.counter) {
				return
			}
			if err != nil {
				m.actOnErrorFromAuthorize(err)
				return
			}
			params := a.params
			params.Auth = auth
			m.tryATransport(a.kind, params, a.counter, a.callback)
		})
	})
}

// deactivateTransport handles a pending, active or retired transport
// finishing.
func (m *ConnectionManager) deactivateTransport(t Transport, event TransportEvent, err *ErrorInfo) {
	wasActive := m.activeProtocol != nil && m.activeProtocol.transport == t
	wasPending := containsTransport(m.pending, t)
	m.pending = removeTransport(m.pending, t)
	m.dropAttempt(t, event.String(), err)
	m.logger.Printf(LogDebug, "connection", "deactivating transport %s: %s %v; active: %t; pending: %t",
		t.ID(), event, err, wasActive, wasPending)

	if wasActive {
		msgs := m.activeProtocol.clearPendingMessages()
		m.activeProtocol = nil
		m.lastActivity = m.clock.Now()
		if m.state.terminal {
			reason := m.errorReason
			if reason == nil {
				reason = stateError(m.state.state)
			}
			for _, pm := range msgs {
				m.queue.complete(pm, reason)
			}
		} else {
			m.queuePendingMessages(msgs)
		}
	}
	m.removeRetired(t)

	scheduled := len(m.pending) > 0
	escalate := (wasActive && !scheduled) ||
		(wasActive && event == TransportFailed) ||
		((wasActive || wasPending) && event == TransportClosed) ||
		(wasPending && !scheduled && m.activeProtocol == nil)

	if escalate {
		if event == TransportDisconnected && err != nil && err.StatusCode > http.StatusInternalServerError && len(m.opts.FallbackHosts) > 0 {
			m.logger.Printf(LogInfo, "connection", "server error %d; retrying on a fallback host", err.StatusCode)
			m.preference = nil
			m.forceFallbackHost = true
			m.notifyState(StateDisconnected, err, true)
			return
		}
		next := stateForEvent(event)
		if event == TransportFailed && isTokenErr(err) {
			next = StateDisconnected
		}
		m.notifyState(next, err, false)
		return
	}

	if wasActive && event == TransportDisconnected && m.state.state != StateConnecting {
		m.logger.Printf(LogDebug, "connection", "active transport lost; another transport is pending")
		m.startSuspendTimer()
		m.startTransitionTimer(StateConnecting)
		m.notifyState(StateConnecting, err, false)
	}
}

// removeRetired drops the finishing protocol for t, requeueing anything it
// still had in flight.
func (m *ConnectionManager) removeRetired(t Transport) {
	for i, p := range m.retired {
		if p.transport != t {
			continue
		}
		m.retired = append(m.retired[:i], m.retired[i+1:]...)
		if msgs := p.clearPendingMessages(); len(msgs) > 0 && !m.state.terminal {
			m.queuePendingMessages(msgs)
			if m.state.sendEvents {
				m.sendQueuedMessages()
			}
		}
		return
	}
}

func stateForEvent(event TransportEvent) ConnectionState {
	switch event {
	case TransportClosed:
		return StateClosed
	case TransportFailed:
		return StateFailed
	}
	return StateDisconnected
}

func containsTransport(ts []Transport, t Transport) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func removeTransport(ts []Transport, t Transport) []Transport {
	for i, x := range ts {
		if x == t {
			return append(ts[:i:i], ts[i+1:]...)
		}
	}
	return ts
}
