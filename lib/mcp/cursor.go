// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/tausestack/tausestack/lib/jsonrpc"
)

// cursorPrefix versions the cursor encoding.
const cursorPrefix = "o:"

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// decodeCursor returns the offset a cursor names. An empty cursor is
// offset zero. Offsets beyond total are invalid: the list shrank or
// the cursor was forged.
func decodeCursor(cursor string, total int) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid cursor")
	}
	digits, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid cursor")
	}
	offset, err := strconv.Atoi(digits)
	if err != nil || offset < 0 || offset > total {
		return 0, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid cursor")
	}
	return offset, nil
}

// paginate returns the page of items at cursor and the cursor of the
// next page, empty on the last.
func paginate[T any](items []T, cursor string, pageSize int) ([]T, string, error) {
	offset, err := decodeCursor(cursor, len(items))
	if err != nil {
		return nil, "", err
	}
	end := min(offset+pageSize, len(items))
	page := make([]T, end-offset)
	copy(page, items[offset:end])
	next := ""
	if end < len(items) {
		next = encodeCursor(end)
	}
	return page, next, nil
}
