package storage

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Blobs carry a one-byte header naming how the CBOR body is stored.
const (
	blobRaw  byte = 0x00
	blobZstd byte = 0x01
)

var errEmptyBlob = errors.New("empty blob")

var (
	encMode     cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: cbor encoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeBlob(v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob: %w", err)
	}

	compressed := zstdEncoder.EncodeAll(body, make([]byte, 1, len(body)))
	if len(compressed)-1 < len(body) {
		compressed[0] = blobZstd
		return compressed, nil
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, blobRaw)
	return append(out, body...), nil
}

func decodeBlob(data []byte, v any) error {
	if len(data) == 0 {
		return errEmptyBlob
	}

	body := data[1:]
	switch data[0] {
	case blobRaw:
	case blobZstd:
		var err error
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
	default:
		return fmt.Errorf("unknown blob encoding 0x%02x", data[0])
	}

	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode blob: %w", err)
	}
	return nil
}
