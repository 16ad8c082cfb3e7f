// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the binary encoding used for persisted memory
// bodies. It wraps fxamacker/cbor with Core Deterministic Encoding
// (RFC 8949 §4.2) so the same value always produces the same bytes,
// which keeps stored bodies comparable across nodes.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Metadata maps decode into map[string]any rather than the CBOR
		// default map[interface{}]interface{}, which encoding/json
		// cannot serialize.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
