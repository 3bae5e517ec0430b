package realtime

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// connectivityChecker probes whether the network is reachable at all and
// whether websockets get through.
type connectivityChecker interface {
	CheckHTTP(ctx context.Context) bool
	CheckWebSocket(ctx context.Context) bool
}

type netConnectivity struct {
	client  *http.Client
	dialer  *websocket.Dialer
	httpURL string
	wsURL   string
	timeout time.Duration
	logger  Logger
}

// CheckHTTP expects the check endpoint to answer 200 with a body
// containing "yes".
func (c *netConnectivity) CheckHTTP(ctx context.Context) bool {
	if c.httpURL == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Printf(LogInfo, "connection", "http connectivity check failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return false
	}
	ok := resp.StatusCode == http.StatusOK && bytes.Contains(body, []byte("yes"))
	if !ok {
		c.logger.Printf(LogInfo, "connection", "http connectivity check returned %d", resp.StatusCode)
	}
	return ok
}

// CheckWebSocket succeeds when a websocket handshake with the check
// endpoint completes.
func (c *netConnectivity) CheckWebSocket(ctx context.Context) bool {
	if c.wsURL == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.logger.Printf(LogInfo, "connection", "websocket connectivity check failed: %v", err)
		return false
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
	return true
}
