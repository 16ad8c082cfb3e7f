// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeFrameTimeout bounds the wait for a close frame to be written.
const closeFrameTimeout = time.Second

// WebSocketConn carries one JSON message per text frame.
type WebSocketConn struct {
	socket *websocket.Conn

	writeMu sync.Mutex

	incoming chan []byte
	readErr  error

	closed    chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*WebSocketConn)(nil)

func newWebSocketConn(socket *websocket.Conn) *WebSocketConn {
	socket.SetReadLimit(MaxMessageSize)
	c := &WebSocketConn{
		socket:   socket,
		incoming: make(chan []byte),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *WebSocketConn) readLoop() {
	defer close(c.incoming)
	for {
		messageType, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.readErr = io.EOF
			} else {
				c.readErr = fmt.Errorf("transport: websocket read: %w", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case c.incoming <- data:
		case <-c.closed:
			c.readErr = ErrClosed
			return
		}
	}
}

// Read returns the next text frame.
func (c *WebSocketConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case message, ok := <-c.incoming:
		if !ok {
			return nil, c.readErr
		}
		return message, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends message as a text frame. The context deadline, if any,
// becomes the socket write deadline.
func (c *WebSocketConn) Write(ctx context.Context, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.socket.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: websocket deadline: %w", err)
	}
	if err := c.socket.WriteMessage(websocket.TextMessage, message); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

// Close sends a normal-closure frame and closes the socket.
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeFrameTimeout))
		c.writeMu.Unlock()
		err = c.socket.Close()
	})
	return err
}

// WebSocketOptions configures NewWebSocketHandler.
type WebSocketOptions struct {
	// CheckOrigin validates the Origin header of upgrade requests. Nil
	// accepts same-origin requests and requests without an Origin
	// header, which is gorilla's default.
	CheckOrigin func(r *http.Request) bool

	// Logger receives upgrade failures. Nil discards.
	Logger *slog.Logger
}

// NewWebSocketHandler returns a handler that upgrades each request and
// passes the connection to accept. ServeHTTP returns after accept
// returns.
func NewWebSocketHandler(accept AcceptFunc, options WebSocketOptions) http.Handler {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  options.CheckOrigin,
		Subprotocols: []string{"mcp"},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written an HTTP error.
			logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn := newWebSocketConn(socket)
		defer conn.Close()
		accept(r.Context(), conn, r)
	})
}

// DialWebSocket connects to a WebSocket MCP endpoint.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"mcp"},
		Proxy:            http.ProxyFromEnvironment,
	}
	socket, response, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("transport: websocket dial %s: %s: %w", url, response.Status, err)
		}
		return nil, fmt.Errorf("transport: websocket dial %s: %w", url, err)
	}
	return newWebSocketConn(socket), nil
}
