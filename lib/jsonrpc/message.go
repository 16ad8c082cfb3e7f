// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes, plus the codes MCP defines.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerNotInitialized answers requests that arrive before the
	// initialize handshake.
	CodeServerNotInitialized = -32002

	// CodeRequestCancelled is reported locally for calls abandoned via
	// notifications/cancelled. It never goes on the wire.
	CodeRequestCancelled = -32800
)

// nullID is the id of responses to messages whose id is unknown.
var nullID = json.RawMessage("null")

// Message is a JSON-RPC 2.0 request, notification, or response.
//
// Requests have Method and ID; notifications have Method and no ID;
// responses have ID and exactly one of Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool { return m.Method != "" && len(m.ID) > 0 }

// IsNotification reports whether m is a method call without an id.
func (m *Message) IsNotification() bool { return m.Method != "" && len(m.ID) == 0 }

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool { return m.Method == "" && len(m.ID) > 0 }

// Encode serializes m as compact JSON with no trailing newline.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Error is a JSON-RPC error object. It implements error so handlers
// can return one to choose the code sent to the peer.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: %s (code %d)", e.Message, e.Code)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Decode parses one message and checks that it is a well-formed
// request, notification, or response.
//
// When the JSON parses but the envelope is invalid, Decode returns the
// partially decoded message together with a CodeInvalidRequest error
// so the caller can answer using the message's id. Malformed JSON
// yields a nil message and CodeParseError.
func Decode(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, Errorf(CodeInvalidRequest, "batch requests are not supported")
	}

	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, Errorf(CodeParseError, "parse error: %v", err)
	}

	if m.JSONRPC != Version {
		return &m, Errorf(CodeInvalidRequest, "unsupported JSON-RPC version %q", m.JSONRPC)
	}
	if len(m.ID) > 0 && !validID(m.ID) {
		return &m, Errorf(CodeInvalidRequest, "id must be a string or a number")
	}

	if m.Method != "" {
		if bytes.Equal(m.ID, nullID) {
			return &m, Errorf(CodeInvalidRequest, "request id must not be null")
		}
		if m.Result != nil || m.Error != nil {
			return &m, Errorf(CodeInvalidRequest, "request must not carry result or error")
		}
		return &m, nil
	}

	if len(m.ID) == 0 {
		return &m, Errorf(CodeInvalidRequest, "message has neither method nor id")
	}
	if (m.Result == nil) == (m.Error == nil) {
		return &m, Errorf(CodeInvalidRequest, "response must carry exactly one of result or error")
	}
	return &m, nil
}

// validID accepts strings, numbers, and null. Decode rejects null on
// requests; it only appears on responses to unparseable messages.
func validID(id json.RawMessage) bool {
	switch id[0] {
	case '"':
		var s string
		return json.Unmarshal(id, &s) == nil
	case 'n':
		return bytes.Equal(id, nullID)
	default:
		var n json.Number
		return json.Unmarshal(id, &n) == nil
	}
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (*Message, error) {
	encoded, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: encoded}, nil
}

// NewResult builds a success response. A nil result is sent as {} so
// the result member is always present.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	var encoded json.RawMessage
	if result == nil {
		encoded = json.RawMessage("{}")
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("jsonrpc: encoding result: %w", err)
		}
		encoded = data
	}
	return &Message{JSONRPC: Version, ID: responseID(id), Result: encoded}, nil
}

// NewErrorResponse builds an error response. An empty id becomes null.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Message {
	return &Message{JSONRPC: Version, ID: responseID(id), Error: rpcErr}
}

func responseID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: encoding params: %w", err)
	}
	return data, nil
}

// IDKey returns a canonical map key for id: the compacted JSON text.
// "1" and 1 stay distinct, as JSON-RPC requires.
func IDKey(id json.RawMessage) string {
	var buffer bytes.Buffer
	if err := json.Compact(&buffer, id); err != nil {
		return string(id)
	}
	return buffer.String()
}
