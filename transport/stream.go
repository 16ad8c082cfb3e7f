// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// StreamConn frames messages as newline-delimited JSON over a byte
// stream. Blank lines are skipped. A background goroutine owns the
// reader so that Read can honor its context.
type StreamConn struct {
	writer io.Writer
	closer io.Closer

	writeMu sync.Mutex

	incoming chan []byte
	// readErr is set before incoming is closed and is the error every
	// Read returns once the stream has ended.
	readErr error

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*StreamConn)(nil)

// NewStreamConn starts reading newline-delimited messages from r.
// Close calls closer when it is non-nil.
func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer) *StreamConn {
	c := &StreamConn{
		writer:   w,
		closer:   closer,
		incoming: make(chan []byte),
		closed:   make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Stdio returns a StreamConn on the process's stdin and stdout. Close
// does not close either descriptor.
func Stdio() *StreamConn {
	return NewStreamConn(os.Stdin, os.Stdout, nil)
}

func (c *StreamConn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)

	defer close(c.incoming)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			continue
		}
		message := make([]byte, len(line))
		copy(message, line)
		select {
		case c.incoming <- message:
		case <-c.closed:
			c.readErr = ErrClosed
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.readErr = fmt.Errorf("transport: reading stream: %w", err)
		return
	}
	c.readErr = io.EOF
}

// Read returns the next message.
func (c *StreamConn) Read(ctx context.Context) ([]byte, error) {
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

// Write sends message followed by a newline in a single write so that
// concurrent writers never interleave.
func (c *StreamConn) Write(ctx context.Context, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	line, err := singleLine(message)
	if err != nil {
		return fmt.Errorf("transport: message is not valid JSON: %w", err)
	}
	if len(line) > MaxMessageSize {
		return fmt.Errorf("transport: message of %d bytes exceeds limit %d", len(line), MaxMessageSize)
	}
	framed := make([]byte, 0, len(line)+1)
	framed = append(framed, line...)
	framed = append(framed, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(framed); err != nil {
		return fmt.Errorf("transport: writing stream: %w", err)
	}
	return nil
}

// Close stops the connection and closes the underlying closer once.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}
