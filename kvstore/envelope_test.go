package kvstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func newTestCodec(t *testing.T, threshold int) *codec {
	t.Helper()
	c, err := newCodec(threshold)
	require.NoError(t, err)
	t.Cleanup(c.close)
	return c
}

func envelopeEncoding(t *testing.T, data []byte) uint64 {
	t.Helper()
	var encoding uint64
	require.NoError(t, walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == envFieldEncoding {
			v, n := protowire.ConsumeVarint(b)
			encoding = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	}))
	return encoding
}

func TestCodec_SmallPayloadNotCompressed(t *testing.T) {
	c := newTestCodec(t, DefaultCompressionThreshold)
	payload := []byte("example.org")

	sealed, err := c.seal(payload)
	require.NoError(t, err)
	require.EqualValues(t, encodingIdentity, envelopeEncoding(t, sealed))

	got, err := c.open(sealed)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestCodec_LargePayloadCompressed(t *testing.T) {
	c := newTestCodec(t, 64)
	payload := bytes.Repeat([]byte("sha256 pin "), 100)

	sealed, err := c.seal(payload)
	require.NoError(t, err)
	require.EqualValues(t, encodingZstd, envelopeEncoding(t, sealed))
	require.Less(t, len(sealed), len(payload))

	got, err := c.open(sealed)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestCodec_ThresholdZeroDisablesCompression(t *testing.T) {
	c := newTestCodec(t, 0)
	sealed, err := c.seal(bytes.Repeat([]byte("a"), 4096))
	require.NoError(t, err)
	require.EqualValues(t, encodingIdentity, envelopeEncoding(t, sealed))
}

func TestCodec_DetectsCorruption(t *testing.T) {
	c := newTestCodec(t, DefaultCompressionThreshold)
	sealed, err := c.seal([]byte("example.org payload"))
	require.NoError(t, err)

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xff
	_, err = c.open(tampered)
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = c.open([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = c.open(nil)
	require.ErrorIs(t, err, ErrCorrupted, "missing version")
}

func TestCodec_TooLarge(t *testing.T) {
	c := newTestCodec(t, DefaultCompressionThreshold)
	_, err := c.seal(make([]byte, MaxRecordSize+1))
	require.ErrorIs(t, err, ErrRecordTooLarge)
}
