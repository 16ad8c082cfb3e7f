// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
)

func TestReadJSONBody(t *testing.T) {
	t.Run("within limit", func(t *testing.T) {
		request := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"a"}`))
		var body struct{ Name string }
		if err := ReadJSONBody(request, 64, &body); err != nil {
			t.Fatalf("ReadJSONBody: %v", err)
		}
		if body.Name != "a" {
			t.Errorf("Name = %q", body.Name)
		}
	})

	t.Run("over limit", func(t *testing.T) {
		request := httptest.NewRequest("POST", "/", bytes.NewReader(bytes.Repeat([]byte("x"), 65)))
		var body map[string]any
		if err := ReadJSONBody(request, 64, &body); !errors.Is(err, ErrBodyTooLarge) {
			t.Fatalf("err = %v, want ErrBodyTooLarge", err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		request := httptest.NewRequest("POST", "/", strings.NewReader(`{`))
		var body map[string]any
		if err := ReadJSONBody(request, 64, &body); err == nil {
			t.Fatal("expected decode error")
		}
	})
}

func TestWriteJSON(t *testing.T) {
	recorder := httptest.NewRecorder()
	WriteJSON(recorder, 418, map[string]string{"error": "teapot"})
	if recorder.Code != 418 {
		t.Errorf("status = %d", recorder.Code)
	}
	if got := recorder.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q", got)
	}
	if !strings.Contains(recorder.Body.String(), `"teapot"`) {
		t.Errorf("body = %q", recorder.Body.String())
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"closed", net.ErrClosed, true},
		{"pipe", syscall.EPIPE, true},
		{"reset", syscall.ECONNRESET, true},
		{"other", errors.New("boom"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsExpectedCloseError(test.err); got != test.want {
				t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}
