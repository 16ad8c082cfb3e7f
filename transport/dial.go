// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// DialOptions configures [Dial].
type DialOptions struct {
	// Header is sent with the WebSocket upgrade and with every SSE
	// request.
	Header http.Header

	// HTTPClient is used by the SSE transport. Nil means
	// http.DefaultClient.
	HTTPClient *http.Client

	// Stderr receives a subprocess's standard error. Nil discards it.
	Stderr io.Writer
}

// Dial returns a go-sdk client transport for target, choosing it by
// the target's form:
//
//	ws://host/path, wss://host/path   WebSocket
//	http://host/path, https://...     HTTP+SSE (path is the stream URL)
//	exec:command arg...               subprocess over stdio
//
// WebSocket targets are dialed before Dial returns. SSE streams and
// subprocesses start when the transport is connected.
func Dial(ctx context.Context, target string, options DialOptions) (mcpsdk.Transport, error) {
	switch {
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		conn, err := DialWebSocket(ctx, target, options.Header)
		if err != nil {
			return nil, err
		}
		return SDKTransport(conn), nil
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		return &mcpsdk.SSEClientTransport{
			Endpoint:   target,
			HTTPClient: withHeader(options.HTTPClient, options.Header),
		}, nil
	case strings.HasPrefix(target, "exec:"):
		fields := strings.Fields(strings.TrimPrefix(target, "exec:"))
		if len(fields) == 0 {
			return nil, fmt.Errorf("transport: %q names no command", target)
		}
		cmd := exec.Command(fields[0], fields[1:]...)
		cmd.Stderr = options.Stderr
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	default:
		return nil, fmt.Errorf("transport: unsupported target %q (want ws://, wss://, http://, https://, or exec:)", target)
	}
}

// withHeader returns a copy of client whose requests carry header.
func withHeader(client *http.Client, header http.Header) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}
	if len(header) == 0 {
		return client
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	clone := *client
	clone.Transport = headerRoundTripper{base: base, header: header.Clone()}
	return &clone
}

type headerRoundTripper struct {
	base   http.RoundTripper
	header http.Header
}

func (h headerRoundTripper) RoundTrip(request *http.Request) (*http.Response, error) {
	request = request.Clone(request.Context())
	for name, values := range h.header {
		request.Header[name] = append([]string(nil), values...)
	}
	return h.base.RoundTrip(request)
}
