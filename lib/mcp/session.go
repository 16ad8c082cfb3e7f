// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/tausestack/tausestack/lib/jsonrpc"
	"github.com/tausestack/tausestack/lib/tenant"
	"github.com/tausestack/tausestack/transport"
)

type sessionState int

const (
	stateAwaitingInitialize sessionState = iota
	stateInitializing
	stateOperational
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingInitialize:
		return "awaiting-initialize"
	case stateInitializing:
		return "initializing"
	case stateOperational:
		return "operational"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

// defaultLogLevel is the minimum level of notifications/message until
// the client calls logging/setLevel.
const defaultLogLevel = LevelInfo

// serverSession is the server end of one connection.
type serverSession struct {
	server *Server
	conn   transport.Conn
	logger *slog.Logger

	// ctx lives as long as the session. Responses and notifications
	// are written under it.
	ctx   context.Context
	slots chan struct{}
	wg    sync.WaitGroup

	mu           sync.Mutex
	state        sessionState
	info         SessionInfo
	capabilities ServerCapabilities
	logLevel     LoggingLevel
	inFlight     map[string]*inFlightRequest
}

type inFlightRequest struct {
	cancel context.CancelFunc
	// cancelled is set by notifications/cancelled. The response is
	// then suppressed.
	cancelled bool
}

// Serve runs one session on conn until the peer closes it, the client
// sends shutdown, or ctx is cancelled. The tenant is taken from ctx
// (see [tenant.WithTenant]). In-flight requests finish before Serve
// returns: on shutdown or a peer close they run to completion, on
// cancellation their contexts are cancelled. Serve closes conn and
// returns nil unless reading failed.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := uuid.NewString()
	tenantID := tenant.MustFromContext(ctx)
	session := &serverSession{
		server:   s,
		conn:     conn,
		logger:   s.logger.With("session", id, "tenant", string(tenantID)),
		ctx:      sessionCtx,
		slots:    make(chan struct{}, s.maxInFlight),
		info:     SessionInfo{ID: id, Tenant: tenantID},
		logLevel: defaultLogLevel,
		inFlight: make(map[string]*inFlightRequest),
	}
	s.track(session)
	defer s.untrack(session)
	session.logger.Info("session started")

	err := session.readLoop(sessionCtx)
	if err != nil {
		cancel()
	}
	session.wg.Wait()
	cancel()

	session.mu.Lock()
	session.state = stateClosed
	session.mu.Unlock()
	if closeErr := conn.Close(); closeErr != nil && !transport.IsClosed(closeErr) {
		session.logger.Debug("closing connection", "error", closeErr)
	}

	if err != nil {
		session.logger.Warn("session failed", "error", err)
	} else {
		session.logger.Info("session closed")
	}
	return err
}

// readLoop returns nil when the session ended cleanly.
func (ss *serverSession) readLoop(ctx context.Context) error {
	for {
		data, err := ss.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || transport.IsClosed(err) {
				return nil
			}
			return fmt.Errorf("mcp: reading message: %w", err)
		}

		message, err := jsonrpc.Decode(data)
		if err != nil {
			ss.rejectMessage(message, err)
			continue
		}

		switch {
		case message.IsNotification():
			ss.handleNotification(message)
		case message.IsRequest():
			if ss.handleRequest(ctx, message) {
				return nil
			}
		default:
			// This server never sends requests, so no response is
			// expected.
			ss.logger.Debug("ignoring response from client", "id", string(message.ID))
		}
	}
}

// rejectMessage answers an undecodable message. Notifications are
// never answered.
func (ss *serverSession) rejectMessage(message *jsonrpc.Message, err error) {
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		rpcErr = jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "%v", err)
	}
	if message != nil && message.IsNotification() {
		ss.logger.Debug("dropping invalid notification", "method", message.Method, "error", rpcErr.Message)
		return
	}
	var id json.RawMessage
	if message != nil && echoableID(message.ID) {
		id = message.ID
	}
	ss.logger.Debug("rejecting invalid message", "error", rpcErr.Message)
	ss.write(jsonrpc.NewErrorResponse(id, rpcErr))
}

// echoableID reports whether id is a string or number and so may be
// copied into an error response.
func echoableID(id json.RawMessage) bool {
	if len(id) == 0 {
		return false
	}
	switch c := id[0]; {
	case c == '"', c == '-', c >= '0' && c <= '9':
		return true
	}
	return false
}

// handleRequest answers or schedules one request. It returns true
// when the session should stop reading.
func (ss *serverSession) handleRequest(ctx context.Context, message *jsonrpc.Message) bool {
	switch message.Method {
	case MethodInitialize:
		start := ss.server.clock.Now()
		ss.server.metrics.requestStarted()
		result, err := ss.initialize(message.Params)
		ss.server.metrics.requestFinished(message.Method, outcomeOf(result, err), ss.server.clock.Now().Sub(start))
		ss.reply(message, result, err)
		return false
	case MethodPing:
		ss.server.metrics.requestStarted()
		ss.server.metrics.requestFinished(message.Method, OutcomeOK, 0)
		ss.reply(message, struct{}{}, nil)
		return false
	}

	if ss.currentState() == stateAwaitingInitialize {
		ss.server.metrics.requestRejected(message.Method)
		ss.reply(message, nil, jsonrpc.Errorf(jsonrpc.CodeServerNotInitialized,
			"server not initialized (call initialize first)"))
		return false
	}

	if message.Method == MethodShutdown {
		ss.server.metrics.requestStarted()
		ss.server.metrics.requestFinished(message.Method, OutcomeOK, 0)
		ss.reply(message, struct{}{}, nil)
		ss.logger.Info("shutdown requested")
		return true
	}

	ss.start(ctx, message)
	return false
}

func (ss *serverSession) initialize(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "params required for initialize")
	}
	var params InitializeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid initialize params: %v", err)
	}
	capabilities := ss.server.capabilities()
	version := NegotiateVersion(params.ProtocolVersion)

	ss.mu.Lock()
	if ss.state != stateAwaitingInitialize {
		state := ss.state
		ss.mu.Unlock()
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "session already initialized (state %s)", state)
	}
	ss.state = stateInitializing
	ss.info.Client = params.ClientInfo
	ss.info.ProtocolVersion = version
	ss.capabilities = capabilities
	ss.mu.Unlock()

	ss.logger.Info("session initializing",
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"requested_version", params.ProtocolVersion,
		"protocol_version", version,
	)
	return InitializeResult{
		ProtocolVersion: version,
		Capabilities:    capabilities,
		ServerInfo:      ss.server.info,
		Instructions:    ss.server.instructions,
	}, nil
}

func (ss *serverSession) handleNotification(message *jsonrpc.Message) {
	switch message.Method {
	case NotificationInitialized:
		ss.mu.Lock()
		previous := ss.state
		if previous == stateInitializing {
			ss.state = stateOperational
		}
		ss.mu.Unlock()
		if previous != stateInitializing {
			ss.logger.Warn("unexpected initialized notification", "state", previous.String())
			return
		}
		ss.logger.Debug("session operational")

	case NotificationCancelled:
		var params CancelledParams
		if err := json.Unmarshal(message.Params, &params); err != nil || len(params.RequestID) == 0 {
			ss.logger.Debug("ignoring malformed cancellation", "params", string(message.Params))
			return
		}
		key := jsonrpc.IDKey(params.RequestID)
		ss.mu.Lock()
		request, ok := ss.inFlight[key]
		if ok {
			request.cancelled = true
		}
		ss.mu.Unlock()
		if !ok {
			// Already answered, or never sent.
			return
		}
		request.cancel()
		ss.logger.Debug("request cancelled by client", "id", key, "reason", params.Reason)

	default:
		ss.logger.Debug("ignoring notification", "method", message.Method)
	}
}

// start runs a request on its own goroutine. Requests wait for one of
// maxInFlight slots; a cancelled request gives up its wait.
func (ss *serverSession) start(ctx context.Context, message *jsonrpc.Message) {
	key := jsonrpc.IDKey(message.ID)
	requestCtx, cancel := context.WithCancel(ctx)

	ss.mu.Lock()
	if _, duplicate := ss.inFlight[key]; duplicate {
		ss.mu.Unlock()
		cancel()
		ss.server.metrics.requestRejected(message.Method)
		ss.reply(message, nil, jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "request id %s is already in flight", key))
		return
	}
	request := &inFlightRequest{cancel: cancel}
	ss.inFlight[key] = request
	ss.mu.Unlock()

	ss.wg.Add(1)
	go ss.run(requestCtx, key, request, message)
}

func (ss *serverSession) run(ctx context.Context, key string, request *inFlightRequest, message *jsonrpc.Message) {
	defer ss.wg.Done()
	defer func() {
		ss.mu.Lock()
		delete(ss.inFlight, key)
		ss.mu.Unlock()
		request.cancel()
	}()

	select {
	case ss.slots <- struct{}{}:
		defer func() { <-ss.slots }()
	case <-ctx.Done():
		return
	}

	start := ss.server.clock.Now()
	ss.server.metrics.requestStarted()
	result, err := ss.dispatch(ctx, message)
	elapsed := ss.server.clock.Now().Sub(start)

	ss.mu.Lock()
	cancelled := request.cancelled
	ss.mu.Unlock()
	if cancelled {
		ss.server.metrics.requestFinished(message.Method, OutcomeCancelled, elapsed)
		return
	}

	ss.server.metrics.requestFinished(message.Method, outcomeOf(result, err), elapsed)
	if err != nil {
		ss.logger.Warn("request failed", "method", message.Method, "id", key, "error", err)
	}
	ss.reply(message, result, err)
}

// dispatch routes a request after the handshake. Handler panics become
// InternalError responses.
func (ss *serverSession) dispatch(ctx context.Context, message *jsonrpc.Message) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			ss.logger.Error("handler panic",
				"method", message.Method,
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()),
			)
			result = nil
			err = jsonrpc.Errorf(jsonrpc.CodeInternalError, "internal error handling %s", message.Method)
		}
	}()

	switch message.Method {
	case MethodToolsList:
		return ss.toolsList(message.Params)
	case MethodToolsCall:
		return ss.toolsCall(ctx, message.Params)
	case MethodResourcesList:
		return ss.resourcesList(ctx, message.Params)
	case MethodResourceTemplatesList:
		return ss.resourceTemplatesList(message.Params)
	case MethodResourcesRead:
		return ss.resourcesRead(ctx, message.Params)
	case MethodPromptsList:
		return ss.promptsList(message.Params)
	case MethodPromptsGet:
		return ss.promptsGet(ctx, message.Params)
	case MethodSetLevel:
		return ss.setLevel(message.Params)
	default:
		return nil, jsonrpc.Errorf(jsonrpc.CodeMethodNotFound, "unknown method: %s", message.Method)
	}
}

func outcomeOf(result any, err error) string {
	if err != nil {
		return OutcomeError
	}
	if toolResult, ok := result.(*CallToolResult); ok && toolResult.IsError {
		return OutcomeToolError
	}
	return OutcomeOK
}

// reply answers request with result, or with err as a protocol error.
func (ss *serverSession) reply(request *jsonrpc.Message, result any, err error) {
	if err != nil {
		ss.write(jsonrpc.NewErrorResponse(request.ID, rpcError(err)))
		return
	}
	response, encodeErr := jsonrpc.NewResult(request.ID, result)
	if encodeErr != nil {
		ss.logger.Error("encoding result", "method", request.Method, "error", encodeErr)
		ss.write(jsonrpc.NewErrorResponse(request.ID,
			jsonrpc.Errorf(jsonrpc.CodeInternalError, "encoding result: %v", encodeErr)))
		return
	}
	ss.write(response)
}

// rpcError converts a handler error into a protocol error. Validation,
// not-found, and forbidden failures are the caller's fault and become
// InvalidParams; everything else is InternalError.
func rpcError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		switch toolErr.Category {
		case CategoryValidation, CategoryNotFound, CategoryForbidden:
			return &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: toolErr.Error()}
		}
	}
	return &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
}

// write sends message unless the session has been cancelled.
func (ss *serverSession) write(message *jsonrpc.Message) {
	if ss.ctx.Err() != nil {
		return
	}
	data, err := message.Encode()
	if err != nil {
		ss.logger.Error("encoding message", "error", err)
		return
	}
	if err := ss.conn.Write(ss.ctx, data); err != nil {
		if ss.ctx.Err() == nil && !transport.IsClosed(err) {
			ss.logger.Warn("writing message failed", "error", err)
		}
	}
}

func (ss *serverSession) currentState() sessionState {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state
}

func (ss *serverSession) snapshot() SessionInfo {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.info
}

func (ss *serverSession) minimumLogLevel() LoggingLevel {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.logLevel
}

// listChanged sends method if the session is operational and
// advertised the matching capability.
func (ss *serverSession) listChanged(method string) {
	ss.mu.Lock()
	operational := ss.state == stateOperational
	var advertised bool
	switch method {
	case NotificationToolsListChanged:
		advertised = ss.capabilities.Tools != nil
	case NotificationResourcesListChanged:
		advertised = ss.capabilities.Resources != nil
	case NotificationPromptsListChanged:
		advertised = ss.capabilities.Prompts != nil
	}
	ss.mu.Unlock()
	if !operational || !advertised {
		return
	}
	notification, err := jsonrpc.NewNotification(method, nil)
	if err != nil {
		return
	}
	// Registration must not block on a slow client.
	go ss.write(notification)
}
