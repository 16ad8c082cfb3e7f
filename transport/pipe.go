// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"io"
	"sync"
)

// pipeBuffer is the number of messages a pipe end queues before Write
// blocks.
const pipeBuffer = 64

// Pipe returns two connected in-memory Conns. Closing either end ends
// both; messages written before the close are still delivered.
func Pipe() (Conn, Conn) {
	shared := &pipeState{closed: make(chan struct{})}
	aToB := make(chan []byte, pipeBuffer)
	bToA := make(chan []byte, pipeBuffer)
	return &pipeConn{state: shared, in: bToA, out: aToB},
		&pipeConn{state: shared, in: aToB, out: bToA}
}

type pipeState struct {
	closed    chan struct{}
	closeOnce sync.Once
}

type pipeConn struct {
	state *pipeState
	in    <-chan []byte
	out   chan<- []byte
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	// Drain what was written before the close.
	select {
	case message := <-p.in:
		return message, nil
	default:
	}
	select {
	case message := <-p.in:
		return message, nil
	case <-p.state.closed:
		select {
		case message := <-p.in:
			return message, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, message []byte) error {
	select {
	case <-p.state.closed:
		return ErrClosed
	default:
	}
	copied := make([]byte, len(message))
	copy(copied, message)
	select {
	case p.out <- copied:
		return nil
	case <-p.state.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.state.closeOnce.Do(func() { close(p.state.closed) })
	return nil
}
