// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// SDKTransport exposes an already connected Conn as a go-sdk client
// transport. The returned transport can be connected once; closing the
// resulting connection closes conn.
func SDKTransport(conn Conn) mcpsdk.Transport {
	return &sdkTransport{conn: conn}
}

type sdkTransport struct {
	conn Conn
	used atomic.Bool
}

func (t *sdkTransport) Connect(ctx context.Context) (mcpsdk.Connection, error) {
	if t.used.Swap(true) {
		return nil, errors.New("transport: connection already in use")
	}
	return &sdkConnection{conn: t.conn}, nil
}

// sdkConnection frames go-sdk messages as whole Conn messages.
type sdkConnection struct {
	conn Conn
}

func (c *sdkConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	message, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("transport: decoding message: %w", err)
	}
	return message, nil
}

func (c *sdkConnection) Write(ctx context.Context, message jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(message)
	if err != nil {
		return fmt.Errorf("transport: encoding message: %w", err)
	}
	return c.conn.Write(ctx, data)
}

func (c *sdkConnection) Close() error { return c.conn.Close() }

func (c *sdkConnection) SessionID() string { return "" }
