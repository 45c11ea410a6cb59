// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/drover-systems/drover/lib/codec"
)

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. zstd.Encoder and zstd.Decoder
// are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("job: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("job: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBlob CBOR-encodes v and zstd-compresses the encoding. Request
// loads and agent results can carry arbitrarily large values (file
// contents, full state runs), so ledger blobs are always compressed.
func encodeBlob(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

// decodeBlob reverses encodeBlob.
func decodeBlob(blob []byte, v any) error {
	data, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return fmt.Errorf("decompressing record: %w", err)
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
