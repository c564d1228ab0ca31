package ipc

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client sends one request per connection to the daemon socket.
type Client struct {
	path    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient returns a client for the socket at path. A zero timeout means
// the exchange is bounded only by the caller's context.
func NewClient(path string, timeout time.Duration) *Client {
	if path == "" {
		path = SocketPath()
	}
	return &Client{path: path, timeout: timeout}
}

// Path returns the socket the client dials.
func (c *Client) Path() string { return c.path }

// Do connects, writes req, and reads exactly one response.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	conn, err := c.dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return Response{}, fmt.Errorf("connect to daemon at %s: %w", c.path, err)
	}
	defer func() { _ = conn.Close() }()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteMessage(conn, req); err != nil {
		return Response{}, fmt.Errorf("send %s: %w", req.Kind, err)
	}
	var resp Response
	if err := ReadMessage(conn, &resp); err != nil {
		return Response{}, fmt.Errorf("read %s response: %w", req.Kind, err)
	}
	return resp, nil
}
