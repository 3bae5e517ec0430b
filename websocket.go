package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// websocketTransport is the streaming transport.
type websocketTransport struct {
	*transportCore

	dialer *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
}

func newWebsocketTransport(dialer *websocket.Dialer, params TransportParams, handler TransportHandler, deps transportDeps) *websocketTransport {
	w := &websocketTransport{
		dialer: dialer,
		done:   make(chan struct{}),
	}
	w.transportCore = newTransportCore(TransportWebSocket, params, handler, deps)
	w.owner = w
	w.write = w.writeFrame
	w.teardown = w.close
	return w
}

func (w *websocketTransport) endPoint() string {
	scheme := "ws"
	if w.params.TLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     w.params.hostPort(),
		Path:     "/",
		RawQuery: w.params.Query().Encode(),
	}
	return u.String()
}

func (w *websocketTransport) Connect(ctx context.Context) {
	w.deps.logger.Printf(LogDebug, "websocket", "transport %s connecting to %s", w.id, w.params.Host)
	go w.dial(ctx)
}

func (w *websocketTransport) dial(ctx context.Context) {
	conn, resp, err := w.dialer.DialContext(ctx, w.endPoint(), nil)
	if err != nil {
		w.finish(TransportDisconnected, dialError(err, resp))
		return
	}

	w.mu.Lock()
	if w.IsFinished() {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	w.conn = conn
	w.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		w.onActivity()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go w.reader(conn)
	w.preconnect()
}

func dialError(err error, resp *http.Response) *ErrorInfo {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return &ErrorInfo{
		Code:       codeConnectionDisconnect,
		StatusCode: status,
		Message:    "Unable to open websocket: " + err.Error(),
		cause:      err,
	}
}

func (w *websocketTransport) writeFrame(msg *ProtocolMessage) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errors.New("connection is not open")
	}

	data, err := w.deps.serializer.encode(msg)
	if err != nil {
		return wrapError(err, codeBadRequest, http.StatusBadRequest)
	}
	frameType := websocket.TextMessage
	if w.deps.serializer.binary() {
		frameType = websocket.BinaryMessage
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(frameType, data); err != nil {
		go w.finish(TransportDisconnected, wrapError(err, codeConnectionDisconnect, http.StatusBadRequest))
		return err
	}
	return nil
}

func (w *websocketTransport) reader(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.onReadError(err)
			return
		}
		w.onActivity()

		msg, err := w.deps.serializer.decode(data)
		if err != nil {
			w.Fail(protocolError("Unable to decode frame: %v", err))
			return
		}
		w.deps.logger.Printf(LogDebug, "websocket", "transport %s received %s", w.id, msg.Action)
		w.onProtocolMessage(msg)
	}
}

func (w *websocketTransport) onReadError(err error) {
	if w.IsFinished() {
		return
	}
	reason := "Unclean disconnection of websocket: " + err.Error()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		reason = "Websocket closed"
	}
	w.finish(TransportDisconnected, &ErrorInfo{
		Code:       codeConnectionDisconnect,
		StatusCode: http.StatusBadRequest,
		Message:    reason,
		cause:      err,
	})
}

// close sends a close frame when possible and releases the socket.
func (w *websocketTransport) close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
		close(w.done)
	}

	if w.conn == nil {
		return
	}
	w.writeMu.Lock()
	err := w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		w.deps.logger.Printf(LogDebug, "websocket", "transport %s: error writing close message: %v", w.id, err)
	}
	_ = w.conn.Close()
	w.conn = nil
}
