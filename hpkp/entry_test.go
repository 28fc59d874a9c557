package hpkp

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/tlstrust"
)

func b64(b ...byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func TestEntry_AddPinSortedAndDeduplicated(t *testing.T) {
	e := NewEntry("example.org", 1000)

	require.NoError(t, e.AddPin("sha256", b64(3, 3)))
	require.NoError(t, e.AddPin("sha256", b64(1, 1)))
	require.NoError(t, e.AddPin("sha256", b64(1, 1)))
	require.NoError(t, e.AddPin("sha256", b64(0, 0, 0)))
	require.NoError(t, e.AddPin("sha1", b64(9)))

	pins := e.Pins()
	require.Equal(t, 4, e.PinCount())
	require.Equal(t, []string{"sha1/" + b64(9), "sha256/" + b64(1, 1), "sha256/" + b64(3, 3), "sha256/" + b64(0, 0, 0)},
		[]string{pins[0].String(), pins[1].String(), pins[2].String(), pins[3].String()})
}

func TestEntry_AddPinRejectsMalformed(t *testing.T) {
	e := NewEntry("example.org", 1000)

	require.ErrorIs(t, e.AddPin("sha256", "%%%"), tlstrust.ErrInvalidPin)
	require.ErrorIs(t, e.AddPin("sha256", ""), tlstrust.ErrInvalidPin)
	require.Zero(t, e.PinCount())
}

func TestEntry_PinsAreCopies(t *testing.T) {
	e := NewEntry("example.org", 1000)
	require.NoError(t, e.AddPin("sha256", b64(1, 2, 3)))

	pins := e.Pins()
	pins[0].Digest[0] = 42
	require.Equal(t, byte(1), e.Pins()[0].Digest[0])
}

func TestEntry_Lifetime(t *testing.T) {
	e := NewEntry("example.org", 1000)
	require.EqualValues(t, 1000, e.Created)
	e.SetMaxAge(60)
	require.EqualValues(t, 1060, e.Expires)
	require.False(t, e.Expired(1060))
	require.True(t, e.Expired(1061))

	e.SetMaxAge(-1)
	require.Zero(t, e.MaxAge)
	require.Zero(t, e.Expires)
}
