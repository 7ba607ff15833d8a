package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/devrev/crmquery/internal/model"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
}

// Codec serializes cache payloads as JSON, optionally zstd-compressed
type Codec struct {
	Compress bool
}

// Encode serializes a payload
func (c Codec) Encode(p *model.Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if !c.Compress {
		return data, nil
	}
	initCodec()
	if codecErr != nil {
		return nil, fmt.Errorf("failed to init zstd: %w", codecErr)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decode accepts both compressed and plain payloads
func (c Codec) Decode(data []byte) (*model.Payload, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		initCodec()
		if codecErr != nil {
			return nil, fmt.Errorf("failed to init zstd: %w", codecErr)
		}
		plain, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		data = plain
	}
	var p model.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &p, nil
}
