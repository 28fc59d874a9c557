package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// DefaultCompressionThreshold is the minimum record size before
	// compression is considered. Most policies are far smaller.
	DefaultCompressionThreshold = 512

	// MaxRecordSize is the hard cap on a decoded record.
	MaxRecordSize = 1024 * 1024 // 1MB

	envelopeVersion = 1
)

// Envelope encodings.
const (
	encodingIdentity = 0
	encodingZstd     = 1
)

// Envelope field numbers.
const (
	envFieldVersion  protowire.Number = 1
	envFieldEncoding protowire.Number = 2
	envFieldDigest   protowire.Number = 3
	envFieldSize     protowire.Number = 4
	envFieldPayload  protowire.Number = 5
)

var (
	// ErrCorrupted is returned when a stored record fails to decode or its
	// digest does not match.
	ErrCorrupted = errors.New("corrupted record")

	// ErrRecordTooLarge is returned when a record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
)

// codec wraps record payloads in a versioned envelope carrying a BLAKE3
// digest, compressing payloads above the threshold with zstd.
// Encoder and decoder are goroutine-safe and can be reused.
type codec struct {
	mu        sync.RWMutex
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
}

func newCodec(threshold int) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRecordSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec, threshold: threshold}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *codec) setThreshold(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = n
}

// seal wraps payload in an envelope.
func (c *codec) seal(payload []byte) ([]byte, error) {
	if len(payload) > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}

	digest := blake3.Sum256(payload)
	body, encoding := payload, uint64(encodingIdentity)

	c.mu.RLock()
	enc, threshold := c.encoder, c.threshold
	c.mu.RUnlock()

	if enc != nil && threshold > 0 && len(payload) >= threshold {
		if compressed := enc.EncodeAll(payload, nil); len(compressed) < len(payload) {
			body, encoding = compressed, encodingZstd
		}
	}

	var b []byte
	b = protowire.AppendTag(b, envFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, envelopeVersion)
	b = protowire.AppendTag(b, envFieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, encoding)
	b = protowire.AppendTag(b, envFieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, digest[:])
	b = protowire.AppendTag(b, envFieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(payload)))
	b = protowire.AppendTag(b, envFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b, nil
}

// open unwraps an envelope and verifies its digest.
func (c *codec) open(data []byte) ([]byte, error) {
	var (
		version, encoding, size uint64
		digest, body            []byte
	)
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == envFieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			version = v
			return n, nil
		case num == envFieldEncoding && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			encoding = v
			return n, nil
		case num == envFieldSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			size = v
			return n, nil
		case num == envFieldDigest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			digest = v
			return n, nil
		case num == envFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			body = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}

	if version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrCorrupted, version)
	}
	if size > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}

	payload := body
	switch encoding {
	case encodingIdentity:
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		payload, err = dec.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing: %w", ErrCorrupted, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %d", ErrCorrupted, encoding)
	}

	sum := blake3.Sum256(payload)
	if uint64(len(payload)) != size || !bytes.Equal(sum[:], digest) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupted)
	}
	return payload, nil
}

// walkFields calls fn for each field in a protobuf wire message. fn returns
// how many bytes of b it consumed, or a negative protowire error code.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
