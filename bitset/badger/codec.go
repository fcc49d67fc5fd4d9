// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/absmach/fluxtrack/internal/bufpool"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how block words are encoded on disk.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
	CompressionZstd Compression = "zstd"
)

const (
	codecNone byte = iota
	codecS2
	codecZstd
)

var errCorruptBlock = errors.New("corrupt block record")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// encodeWords serialises words as a codec byte followed by the
// little-endian words, compressed as requested.
func encodeWords(words []uint64, c Compression) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	var raw [8]byte
	for _, w := range words {
		binary.LittleEndian.PutUint64(raw[:], w)
		buf.Write(raw[:])
	}

	plain := buf.Bytes()
	switch c {
	case CompressionS2:
		return append([]byte{codecS2}, s2.Encode(nil, plain)...), nil
	case CompressionZstd:
		return append([]byte{codecZstd}, zstdEncoder.EncodeAll(plain, nil)...), nil
	case CompressionNone, "":
		out := make([]byte, 1+len(plain))
		out[0] = codecNone
		copy(out[1:], plain)
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

// decodeWords reverses encodeWords into a slice of n words.
func decodeWords(data []byte, n int) ([]uint64, error) {
	if len(data) == 0 {
		return nil, errCorruptBlock
	}

	var (
		plain []byte
		err   error
	)
	switch data[0] {
	case codecNone:
		plain = data[1:]
	case codecS2:
		plain, err = s2.Decode(nil, data[1:])
	case codecZstd:
		plain, err = zstdDecoder.DecodeAll(data[1:], nil)
	default:
		return nil, fmt.Errorf("%w: codec %d", errCorruptBlock, data[0])
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block: %w", err)
	}
	if len(plain) != n*8 {
		return nil, fmt.Errorf("%w: %d bytes for %d words", errCorruptBlock, len(plain), n)
	}

	words := make([]uint64, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(plain[i*8:])
	}
	return words, nil
}
