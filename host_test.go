package tlstrust

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Example.ORG", "example.org"},
		{"example.org.", "example.org"},
		{"  example.org ", "example.org"},
		{"bücher.example", "xn--bcher-kva.example"},
	}
	for _, tt := range tests {
		got, err := NormalizeHost(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	_, err := NormalizeHost("  ")
	require.ErrorIs(t, err, ErrInvalidHost)
}

func TestSuffixes(t *testing.T) {
	type visit struct {
		host   string
		parent bool
	}
	collect := func(host string, stopAt string) []visit {
		var got []visit
		Suffixes(host, func(candidate string, parent bool) bool {
			got = append(got, visit{candidate, parent})
			return candidate != stopAt
		})
		return got
	}

	require.Equal(t, []visit{
		{"a.b.example.com", false},
		{"b.example.com", true},
		{"example.com", true},
		{"com", true},
	}, collect("a.b.example.com", ""))

	require.Equal(t, []visit{
		{"a.b.example.com", false},
		{"b.example.com", true},
	}, collect("a.b.example.com", "b.example.com"))

	require.Equal(t, []visit{{"localhost", false}}, collect("localhost", ""))
	require.Equal(t, []visit{{"example.", false}}, collect("example.", ""))
}
