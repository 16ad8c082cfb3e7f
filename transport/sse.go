// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tausestack/tausestack/lib/clock"
)

// SSE event names.
const (
	sseEventEndpoint = "endpoint"
	sseEventMessage  = "message"
)

// DefaultSSEKeepAlive is the interval between keep-alive comments on
// an idle event stream.
const DefaultSSEKeepAlive = 25 * time.Second

// SSEOptions configures NewSSEHandler.
type SSEOptions struct {
	// KeepAlive is the idle comment interval. Zero uses
	// DefaultSSEKeepAlive.
	KeepAlive time.Duration

	// Clock drives keep-alives. Nil uses the real clock.
	Clock clock.Clock

	// Logger receives stream lifecycle events. Nil discards.
	Logger *slog.Logger

	// Owner names the principal behind a request. A POST whose owner
	// differs from the one that opened the stream is refused with 403.
	// Nil skips the check.
	Owner func(*http.Request) string
}

// SSEHandler serves the HTTP+SSE transport. Mount it on a prefix; it
// answers GET <prefix>/sse and POST <prefix>/message and 404s the
// rest.
type SSEHandler struct {
	accept    AcceptFunc
	keepAlive time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	owner     func(*http.Request) string

	mu       sync.Mutex
	sessions map[string]*sseSession
}

// NewSSEHandler returns an SSE transport handler that passes every new
// event stream to accept.
func NewSSEHandler(accept AcceptFunc, options SSEOptions) *SSEHandler {
	h := &SSEHandler{
		accept:    accept,
		keepAlive: options.KeepAlive,
		clock:     options.Clock,
		logger:    options.Logger,
		owner:     options.Owner,
		sessions:  make(map[string]*sseSession),
	}
	if h.keepAlive <= 0 {
		h.keepAlive = DefaultSSEKeepAlive
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}
	return h
}

// Sessions returns the number of open event streams.
func (h *SSEHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/sse"):
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serveStream(w, r)
	case strings.HasSuffix(r.URL.Path, "/message"):
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serveMessage(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *SSEHandler) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	session := newSSESession(uuid.NewString())
	session.owner = h.ownerOf(r)
	h.mu.Lock()
	h.sessions[session.id] = session
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, session.id)
		h.mu.Unlock()
	}()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := strings.TrimSuffix(r.URL.Path, "/sse") + "/message?session=" + session.id
	if err := writeEvent(w, sseEventEndpoint, []byte(endpoint)); err != nil {
		return
	}
	flusher.Flush()

	h.logger.Info("sse stream opened", "session", session.id, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		defer session.Close()
		h.accept(ctx, session, r)
	}()

	ticker := h.clock.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case message := <-session.outgoing:
			if err := writeEvent(w, sseEventMessage, message); err != nil {
				session.Close()
				cancel()
				<-acceptDone
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				session.Close()
				cancel()
				<-acceptDone
				return
			}
			flusher.Flush()
		case <-session.closed:
			h.flushPending(w, session)
			flusher.Flush()
			cancel()
			<-acceptDone
			h.logger.Info("sse stream closed", "session", session.id)
			return
		case <-ctx.Done():
			session.Close()
			<-acceptDone
			h.logger.Info("sse client disconnected", "session", session.id)
			return
		}
	}
}

// flushPending writes messages queued before the session closed, so a
// final response (such as the answer to shutdown) is not lost.
func (h *SSEHandler) flushPending(w io.Writer, session *sseSession) {
	for {
		select {
		case message := <-session.outgoing:
			if writeEvent(w, sseEventMessage, message) != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *SSEHandler) serveMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	h.mu.Lock()
	session := h.sessions[id]
	h.mu.Unlock()
	if session == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if h.ownerOf(r) != session.owner {
		http.Error(w, "session belongs to another client", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxMessageSize+1))
	if err != nil {
		http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > MaxMessageSize {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	select {
	case session.incoming <- body:
		w.WriteHeader(http.StatusAccepted)
	case <-session.closed:
		http.Error(w, "session closed", http.StatusGone)
	case <-r.Context().Done():
	}
}

func (h *SSEHandler) ownerOf(r *http.Request) string {
	if h.owner == nil {
		return ""
	}
	return h.owner(r)
}

// writeEvent writes one SSE event. data must not contain newlines;
// messages are compacted first.
func writeEvent(w io.Writer, event string, data []byte) error {
	line, err := singleLine(data)
	if err != nil {
		line = data
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, line)
	return err
}

// sseSession is the server side of one SSE connection.
type sseSession struct {
	id       string
	owner    string
	incoming chan []byte
	outgoing chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newSSESession(id string) *sseSession {
	return &sseSession{
		id:       id,
		incoming: make(chan []byte),
		outgoing: make(chan []byte, pipeBuffer),
		closed:   make(chan struct{}),
	}
}

func (s *sseSession) Read(ctx context.Context) ([]byte, error) {
	select {
	case message := <-s.incoming:
		return message, nil
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *sseSession) Write(ctx context.Context, message []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	copied := make([]byte, len(message))
	copy(copied, message)
	select {
	case s.outgoing <- copied:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sseSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
