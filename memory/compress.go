// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a stored body is compressed. The numeric
// values are persisted and must not change.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression accepts "none", "zstd", or "lz4". Empty means zstd.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, fmt.Errorf("memory: unknown compression %q (want none, zstd, or lz4)", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("memory: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("memory: zstd decoder initialization failed: " + err.Error())
	}
}

var errIncompressible = errors.New("memory: body is incompressible")

// compress returns the body to store and the tag describing it. When
// the preferred algorithm does not make the body smaller, the body is
// stored uncompressed.
func compress(preferred Compression, body []byte) ([]byte, Compression, error) {
	var (
		compressed []byte
		err        error
	)
	switch preferred {
	case CompressionNone:
		return body, CompressionNone, nil
	case CompressionZstd:
		compressed, err = compressZstd(body)
	case CompressionLZ4:
		compressed, err = compressLZ4(body)
	default:
		return nil, 0, fmt.Errorf("memory: unsupported compression %s", preferred)
	}
	if errors.Is(err, errIncompressible) {
		return body, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, preferred, nil
}

func decompress(tag Compression, stored []byte, size int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return stored, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("memory: zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("memory: zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	case CompressionLZ4:
		result := make([]byte, size)
		read, err := lz4.UncompressBlock(stored, result)
		if err != nil {
			return nil, fmt.Errorf("memory: lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("memory: lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("memory: unsupported compression tag %d", uint8(tag))
	}
}

func compressZstd(body []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(body, nil)
	if len(compressed) >= len(body) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func compressLZ4(body []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(body)))
	written, err := lz4.CompressBlock(body, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: lz4 compress: %w", err)
	}
	// Zero means lz4 judged the block incompressible.
	if written == 0 || written >= len(body) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}
