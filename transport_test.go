package realtime

import (
	"context"
	"sync"
	"testing"
	"time"
)

type finishEvent struct {
	event TransportEvent
	err   *ErrorInfo
}

// recordingHandler collects transport callbacks.
type recordingHandler struct {
	mu         sync.Mutex
	preconnect int
	connected  []*ProtocolMessage
	messages   []*ProtocolMessage
	finished   []finishEvent
}

func (h *recordingHandler) OnTransportPreconnect(Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.preconnect++
}

func (h *recordingHandler) OnTransportConnected(_ Transport, msg *ProtocolMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connected = append(h.connected, msg)
}

func (h *recordingHandler) OnTransportMessage(_ Transport, msg *ProtocolMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) OnTransportFinished(_ Transport, event TransportEvent, err *ErrorInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.finished = append(h.finished, finishEvent{event: event, err: err})
}

func (h *recordingHandler) counts() (preconnect, connected, messages, finished int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.preconnect, len(h.connected), len(h.messages), len(h.finished)
}

func (h *recordingHandler) lastFinish(t *testing.T) finishEvent {
	t.Helper()

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.finished) != 1 {
		t.Fatalf("transport finished %d times, want once", len(h.finished))
	}
	return h.finished[0]
}

func (h *recordingHandler) receivedMessages() []*ProtocolMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]*ProtocolMessage(nil), h.messages...)
}

// coreTransport drives transportCore directly.
type coreTransport struct {
	*transportCore

	mu       sync.Mutex
	written  []*ProtocolMessage
	tornDown int
}

func (c *coreTransport) Connect(context.Context) {}

func newCoreTransport(clock clock, handler TransportHandler) *coreTransport {
	opts := DefaultOptions()
	ct := &coreTransport{}
	ct.transportCore = newTransportCore(TransportPolling, TransportParams{Host: "rest.example.com"}, handler, transportDeps{
		logger:         NewNoopLogger(),
		clock:          clock,
		serializer:     NewJSONSerializer(),
		requestTimeout: defaultRealtimeRequestTimeout,
		options:        &opts,
	})
	ct.owner = ct
	ct.write = func(msg *ProtocolMessage) error {
		ct.mu.Lock()
		defer ct.mu.Unlock()
		ct.written = append(ct.written, msg)
		return nil
	}
	ct.teardown = func() {
		ct.mu.Lock()
		defer ct.mu.Unlock()
		ct.tornDown++
	}
	return ct
}

func (c *coreTransport) writtenActions() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	var actions []Action
	for _, msg := range c.written {
		actions = append(actions, msg.Action)
	}
	return actions
}

func TestTransportIdleTimeout(t *testing.T) {
	clock := newFakeClock()
	h := &recordingHandler{}
	ct := newCoreTransport(clock, h)

	ct.preconnect()
	ct.onProtocolMessage(&ProtocolMessage{
		Action:            ActionConnected,
		ConnectionID:      "conn-1",
		ConnectionDetails: &ConnectionDetails{ConnectionKey: "key-1", MaxIdleInterval: 1000},
	})
	if !ct.IsConnected() {
		t.Fatalf("CONNECTED did not mark the transport connected")
	}

	// activity pushes the deadline out
	clock.Advance(10 * time.Second)
	ct.onProtocolMessage(&ProtocolMessage{Action: ActionHeartbeat})
	clock.Advance(10 * time.Second)
	if _, _, _, finished := h.counts(); finished != 0 {
		t.Fatalf("finished despite activity")
	}

	clock.Advance(time.Second)
	f := h.lastFinish(t)
	if f.event != TransportDisconnected || f.err == nil || f.err.Code != codeConnectionDisconnect || f.err.StatusCode != 408 {
		t.Fatalf("got %s %v", f.event, f.err)
	}
	if actions := ct.writtenActions(); len(actions) != 1 || actions[0] != ActionDisconnect {
		t.Fatalf("peer not told: %v", actions)
	}
}

func TestTransportConnectTimeout(t *testing.T) {
	clock := newFakeClock()
	h := &recordingHandler{}
	ct := newCoreTransport(clock, h)

	ct.preconnect()
	clock.Advance(defaultRealtimeRequestTimeout)

	f := h.lastFinish(t)
	if f.event != TransportDisconnected || f.err == nil || f.err.Code != codeTimeout {
		t.Fatalf("got %s %v", f.event, f.err)
	}
	if len(ct.writtenActions()) != 0 {
		t.Fatalf("unconnected transport wrote to the peer")
	}
}

func TestTransportInboundFrames(t *testing.T) {
	tests := []struct {
		name     string
		msg      *ProtocolMessage
		event    TransportEvent
		code     int
		finished bool
	}{
		{
			name:     "unknown action",
			msg:      &ProtocolMessage{Action: Action(99)},
			event:    TransportFailed,
			code:     codeBadRequest,
			finished: true,
		},
		{
			name:     "connection error",
			msg:      &ProtocolMessage{Action: ActionError, Error: &ErrorInfo{Code: 40400, StatusCode: 404}},
			event:    TransportFailed,
			code:     40400,
			finished: true,
		},
		{
			name:     "connection error without details",
			msg:      &ProtocolMessage{Action: ActionError},
			event:    TransportFailed,
			code:     codeUnknownConnection,
			finished: true,
		},
		{
			name:     "disconnected",
			msg:      &ProtocolMessage{Action: ActionDisconnected, Error: &ErrorInfo{Code: 80003, StatusCode: 503}},
			event:    TransportDisconnected,
			code:     80003,
			finished: true,
		},
		{
			name:     "closed",
			msg:      &ProtocolMessage{Action: ActionClosed},
			event:    TransportClosed,
			finished: true,
		},
		{
			name: "channel error",
			msg:  &ProtocolMessage{Action: ActionError, Channel: "chat", Error: &ErrorInfo{Code: 40160}},
		},
		{
			name: "message",
			msg:  &ProtocolMessage{Action: ActionMessage, Channel: "chat"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{}
			ct := newCoreTransport(newFakeClock(), h)
			ct.onProtocolMessage(tt.msg)

			if !tt.finished {
				if _, _, messages, finished := h.counts(); messages != 1 || finished != 0 {
					t.Fatalf("got %d messages, %d finishes", messages, finished)
				}
				return
			}
			f := h.lastFinish(t)
			if f.event != tt.event {
				t.Fatalf("event: got %s, want %s", f.event, tt.event)
			}
			if tt.code != 0 && (f.err == nil || f.err.Code != tt.code) {
				t.Fatalf("error: got %v, want code %d", f.err, tt.code)
			}
			if !ct.IsFinished() {
				t.Fatalf("transport not finished")
			}
		})
	}
}

func TestTransportFinishesOnce(t *testing.T) {
	h := &recordingHandler{}
	ct := newCoreTransport(newFakeClock(), h)

	ct.Close()
	ct.Disconnect(nil)
	ct.Fail(protocolError("late"))
	ct.onProtocolMessage(&ProtocolMessage{Action: ActionMessage})

	if f := h.lastFinish(t); f.event != TransportClosed {
		t.Fatalf("got %s", f.event)
	}
	if _, _, messages, _ := h.counts(); messages != 0 {
		t.Fatalf("frame delivered after finish")
	}
	if err := ct.Send(&ProtocolMessage{Action: ActionMessage}); err == nil {
		t.Fatalf("Send after finish succeeded")
	}
	if ct.tornDown != 1 {
		t.Fatalf("teardown ran %d times", ct.tornDown)
	}
}

func TestTransportDisposeIsSilent(t *testing.T) {
	h := &recordingHandler{}
	ct := newCoreTransport(newFakeClock(), h)

	ct.Dispose()
	ct.Disconnect(nil)

	if _, _, _, finished := h.counts(); finished != 0 {
		t.Fatalf("disposed transport reported finishing")
	}
	if ct.tornDown != 1 {
		t.Fatalf("teardown ran %d times", ct.tornDown)
	}
}

func TestTransportParamsQuery(t *testing.T) {
	params := TransportParams{
		Mode:          ModeResume,
		ConnectionKey: "key-1",
		Format:        "cbor",
		ClientID:      "alice",
		Heartbeats:    true,
		Custom:        map[string]string{"remainPresentFor": "100"},
		Auth:          map[string]string{"accessToken": "tok"},
	}
	q := params.Query()

	want := map[string]string{
		"v":                protocolVersion,
		"format":           "cbor",
		"resume":           "key-1",
		"clientId":         "alice",
		"echo":             "false",
		"heartbeats":       "true",
		"remainPresentFor": "100",
		"accessToken":      "tok",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Fatalf("%s: got %q, want %q", k, got, v)
		}
	}
	if q.Has("recover") {
		t.Fatalf("resume connect carries recover")
	}
}
