// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tausestack/tausestack/lib/netutil"
)

// MaxMessageSize bounds a single message on every transport.
const MaxMessageSize = 4 << 20

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a bidirectional channel of JSON messages.
type Conn interface {
	// Read blocks until the next message arrives, ctx is done, or the
	// connection ends. A clean close by the peer yields io.EOF.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one complete JSON value. Safe for concurrent use.
	Write(ctx context.Context, message []byte) error

	// Close releases the connection. Pending and later Reads return
	// ErrClosed or io.EOF.
	Close() error
}

// AcceptFunc receives each connection an HTTP transport accepts. It
// runs for the lifetime of the connection; the transport closes conn
// after it returns. request is the HTTP request that opened the
// connection (the upgrade request or the SSE GET).
type AcceptFunc func(ctx context.Context, conn Conn, request *http.Request)

// IsClosed reports whether err marks an ordinary end of a connection
// rather than a failure.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || netutil.IsExpectedCloseError(err) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// singleLine returns message with insignificant whitespace removed so
// that it contains no raw newlines. Newlines inside JSON strings are
// always escaped, so compacting is sufficient.
func singleLine(message []byte) ([]byte, error) {
	if bytes.IndexByte(message, '\n') < 0 && bytes.IndexByte(message, '\r') < 0 {
		return message, nil
	}
	var buffer bytes.Buffer
	if err := json.Compact(&buffer, message); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
