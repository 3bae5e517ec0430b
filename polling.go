package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// pollingRecvTimeout bounds a single long-poll request.
const pollingRecvTimeout = 90 * time.Second

var unresolvableErrorCodes = map[int]bool{80015: true, 80017: true, 80030: true}

// pollingTransport is the base transport: frames are exchanged over plain
// HTTP requests against the /comet endpoints.
type pollingTransport struct {
	*transportCore

	client *http.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	baseURI       string
	sendURI       string
	recvURI       string
	closeURI      string
	disconnectURI string
	sending       bool
	pendingItems  []*ProtocolMessage
}

func newPollingTransport(client *http.Client, params TransportParams, handler TransportHandler, deps transportDeps) *pollingTransport {
	p := &pollingTransport{client: client}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.transportCore = newTransportCore(TransportPolling, params, handler, deps)
	p.owner = p
	p.write = p.writeFrame
	p.teardown = p.cancel
	return p
}

func (p *pollingTransport) Connect(ctx context.Context) {
	scheme := "http"
	if p.params.TLS {
		scheme = "https"
	}
	p.baseURI = fmt.Sprintf("%s://%s/comet/", scheme, p.params.hostPort())

	q := p.params.Query()
	q.Set("stream", "false")
	connectURI := p.baseURI + "connect?" + q.Encode()

	p.deps.logger.Printf(LogDebug, "polling", "transport %s connecting to %s", p.id, p.params.Host)
	go func() {
		reqCtx, cancel := mergeCancel(ctx, p.ctx)
		defer cancel()

		msgs, err := p.request(reqCtx, http.MethodGet, connectURI, nil, pollingRecvTimeout)
		if p.IsFinished() {
			return
		}
		if err != nil {
			p.onRequestError(err)
			return
		}
		p.preconnect()
		p.onData(msgs)
		p.recv()
	}()
}

// mergeCancel returns a context cancelled when either parent is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (p *pollingTransport) onData(msgs []*ProtocolMessage) {
	for _, msg := range msgs {
		if msg.Action == ActionConnected {
			p.onConnect(msg)
		}
		p.onProtocolMessage(msg)
		if p.IsFinished() {
			return
		}
	}
}

// onConnect derives the per-connection endpoints from the connection key.
func (p *pollingTransport) onConnect(msg *ProtocolMessage) {
	key := msg.ConnectionKey
	if msg.ConnectionDetails != nil && msg.ConnectionDetails.ConnectionKey != "" {
		key = msg.ConnectionDetails.ConnectionKey
	}
	base := p.baseURI + url.PathEscape(key)

	p.mu.Lock()
	p.sendURI = base + "/send"
	p.recvURI = base + "/recv"
	p.closeURI = base + "/close"
	p.disconnectURI = base + "/disconnect"
	p.mu.Unlock()
}

func (p *pollingTransport) recv() {
	for p.IsConnected() {
		p.mu.Lock()
		uri := p.recvURI
		p.mu.Unlock()

		msgs, err := p.request(p.ctx, http.MethodGet, uri, nil, pollingRecvTimeout)
		if p.IsFinished() {
			return
		}
		p.onActivity()
		if err != nil {
			p.onRequestError(err)
			return
		}
		p.onData(msgs)
	}
}

func (p *pollingTransport) writeFrame(msg *ProtocolMessage) error {
	switch msg.Action {
	case ActionClose, ActionDisconnect:
		p.requestCloseOrDisconnect(msg.Action == ActionClose)
		return nil
	}

	p.mu.Lock()
	if p.sending {
		p.pendingItems = append(p.pendingItems, msg)
		p.mu.Unlock()
		return nil
	}
	items := append(p.pendingItems, msg)
	p.pendingItems = nil
	p.sending = true
	p.mu.Unlock()

	go p.sendItems(items)
	return nil
}

func (p *pollingTransport) sendItems(items []*ProtocolMessage) {
	for len(items) > 0 {
		body, err := p.deps.serializer.encodeBatch(items)
		if err != nil {
			p.Fail(protocolError("Unable to encode frames: %v", err))
			return
		}
		p.mu.Lock()
		uri := p.sendURI
		p.mu.Unlock()

		msgs, reqErr := p.request(p.ctx, http.MethodPost, uri, body, p.deps.options.HTTPRequestTimeout)
		if p.IsFinished() {
			return
		}
		if reqErr != nil {
			p.mu.Lock()
			p.sending = false
			p.mu.Unlock()
			p.onRequestError(reqErr)
			return
		}
		p.onData(msgs)

		p.mu.Lock()
		items = p.pendingItems
		p.pendingItems = nil
		if len(items) == 0 {
			p.sending = false
		}
		p.mu.Unlock()
	}
}

func (p *pollingTransport) requestCloseOrDisconnect(closing bool) {
	p.mu.Lock()
	uri := p.disconnectURI
	if closing {
		uri = p.closeURI
	}
	p.mu.Unlock()
	if uri == "" {
		return
	}

	go func() {
		if _, err := p.request(context.Background(), http.MethodGet, uri, nil, p.deps.options.HTTPRequestTimeout); err != nil {
			p.deps.logger.Printf(LogWarning, "polling", "transport %s close/disconnect request failed: %v", p.id, err)
		}
	}()
}

// onRequestError converts a failed request into the frame the service
// would have sent: ERROR for unresolvable client errors, DISCONNECTED
// for everything else. Errors without a code are network errors.
func (p *pollingTransport) onRequestError(err *ErrorInfo) {
	if err.Code == 0 {
		p.Disconnect(err)
		return
	}
	action := ActionDisconnected
	if shouldBeErrorAction(err) {
		action = ActionError
	}
	p.onProtocolMessage(&ProtocolMessage{Action: action, Error: err})
}

func shouldBeErrorAction(err *ErrorInfo) bool {
	if err.Code == 0 || isTokenErr(err) {
		return false
	}
	if unresolvableErrorCodes[err.Code] {
		return true
	}
	return err.Code >= 40000 && err.Code < 50000
}

func (p *pollingTransport) contentType() string {
	if p.deps.serializer.binary() {
		return "application/cbor"
	}
	return "application/json"
}

func (p *pollingTransport) request(ctx context.Context, method, uri string, body []byte, timeout time.Duration) ([]*ProtocolMessage, *ErrorInfo) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return nil, wrapError(err, codeBadRequest, http.StatusBadRequest)
	}
	req.Header.Set("Accept", p.contentType())
	if body != nil {
		req.Header.Set("Content-Type", p.contentType())
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ErrorInfo{Message: "Request failed: " + err.Error(), cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ErrorInfo{Message: "Unable to read response: " + err.Error(), cause: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, responseError(resp.StatusCode, data)
	}
	if len(bytes.TrimSpace(data)) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	msgs, err := p.deps.serializer.decodeBatch(data)
	if err != nil {
		return nil, protocolError("Unable to decode response: %v", err)
	}
	return msgs, nil
}

// responseError reads the service's JSON error body when present.
func responseError(status int, data []byte) *ErrorInfo {
	var body struct {
		Error *ErrorInfo `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != nil {
		if body.Error.StatusCode == 0 {
			body.Error.StatusCode = status
		}
		return body.Error
	}
	return &ErrorInfo{
		Code:       status * 100,
		StatusCode: status,
		Message:    fmt.Sprintf("Unexpected HTTP status %d", status),
	}
}
