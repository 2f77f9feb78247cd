package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Marshal serializes v into the module's self-describing binary format
// (msgpack preserves string-keyed maps and typed values without a schema)
// and compresses the result.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return compress(raw)
}

// Unmarshal decompresses and deserializes data into v.
func Unmarshal(data []byte, v interface{}) error {
	raw, err := decompress(data)
	if err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// SealValue serializes v then seals it under key — the standard way ops,
// checkpoints, and namespace rows cross the storage boundary (§4.2).
func SealValue(v interface{}, key SecretKey) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Seal(raw, key)
}

// OpenValue is the inverse of SealValue.
func OpenValue(sealed []byte, key SecretKey, v interface{}) error {
	raw, err := Open(sealed, key)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}

// PubSealValue is the public-key analogue of SealValue, used for drop-box
// delivery envelopes (§4.8).
func PubSealValue(v interface{}, recipientPublic [32]byte) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return PubSeal(raw, recipientPublic)
}

// PubOpenValue is the inverse of PubSealValue.
func PubOpenValue(sealed []byte, recipientSecret [32]byte, v interface{}) error {
	raw, err := PubOpen(sealed, recipientSecret)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
var zstdDecoder, _ = zstd.NewReader(nil)

func compress(raw []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}
