package hpkp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/tlstrust"
)

var testNow = time.Unix(1_700_000_000, 0)

func newTestDatabase(t *testing.T, opts ...Option) *Database {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNow(func() time.Time { return testNow }),
	}
	d := New(append(base, opts...)...)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// newPinnedEntry builds a policy pinning the SPKI hashes of keys.
func newPinnedEntry(t *testing.T, host string, maxAge int64, includeSubdomains bool, keys ...[]byte) *Entry {
	t.Helper()
	e := NewEntry(host, testNow.Unix())
	e.SetMaxAge(maxAge)
	e.IncludeSubdomains = includeSubdomains
	for _, k := range keys {
		pin := tlstrust.SPKIPin(k)
		require.NoError(t, e.AddPin(pin.HashType, pin.Encoded))
	}
	return e
}

func TestDatabase_AddAndGet(t *testing.T) {
	d := newTestDatabase(t)
	d.Add(newPinnedEntry(t, "example.org", 3600, true, []byte("key-a")))

	e, ok := d.Get("example.org")
	require.True(t, ok)
	require.Equal(t, 1, e.PinCount())
	require.EqualValues(t, testNow.Unix()+3600, e.Expires)

	_, ok = d.Get("other.example")
	require.False(t, ok)
}

func TestDatabase_NewEntryUsesClock(t *testing.T) {
	d := newTestDatabase(t)

	e := d.NewEntry("example.org")
	require.Equal(t, "example.org", e.Host)
	require.Equal(t, testNow.Unix(), e.Created)

	e.SetMaxAge(60)
	require.Equal(t, testNow.Unix()+60, e.Expires)
}

func TestDatabase_ZeroMaxAgeRemoves(t *testing.T) {
	d := newTestDatabase(t)
	d.Add(newPinnedEntry(t, "example.org", 3600, false, []byte("key-a")))

	d.Add(newPinnedEntry(t, "example.org", 0, false, []byte("key-a")))
	require.Zero(t, d.Len())

	d.Add(newPinnedEntry(t, "example.org", -5, false, []byte("key-a")))
	require.Zero(t, d.Len())
}

func TestDatabase_EmptyPinSetRemoves(t *testing.T) {
	d := newTestDatabase(t)
	d.Add(newPinnedEntry(t, "example.org", 3600, false, []byte("key-a")))

	d.Add(newPinnedEntry(t, "example.org", 3600, false))
	require.Zero(t, d.Len())
}

func TestDatabase_UpsertReplacesPinSet(t *testing.T) {
	d := newTestDatabase(t)
	d.Add(newPinnedEntry(t, "example.org", 3600, false, []byte("key-a"), []byte("key-b")))

	update := newPinnedEntry(t, "example.org", 7200, true, []byte("key-c"))
	d.Add(update)

	require.Equal(t, Pinned, d.CheckPubkey("example.org", []byte("key-c")))
	require.Equal(t, HostNotPinned, d.CheckPubkey("example.org", []byte("key-a")))

	e, ok := d.Get("example.org")
	require.True(t, ok)
	require.EqualValues(t, 7200, e.MaxAge)
	require.True(t, e.IncludeSubdomains)
	require.Equal(t, 1, e.PinCount())
}

func TestDatabase_RemoveAndClear(t *testing.T) {
	d := newTestDatabase(t)
	d.Add(newPinnedEntry(t, "a.example", 3600, false, []byte("k")))
	d.Add(newPinnedEntry(t, "b.example", 3600, false, []byte("k")))

	require.True(t, d.Remove("a.example"))
	require.False(t, d.Remove("a.example"))
	require.Equal(t, 1, d.Len())

	d.Clear()
	require.Zero(t, d.Len())
}

func TestDatabase_EntriesSorted(t *testing.T) {
	d := newTestDatabase(t)
	d.Add(newPinnedEntry(t, "c.example", 3600, false, []byte("k")))
	d.Add(newPinnedEntry(t, "a.example", 3600, false, []byte("k")))
	d.Add(newPinnedEntry(t, "b.example", 3600, false, []byte("k")))

	entries := d.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "a.example", entries[0].Host)
	require.Equal(t, "b.example", entries[1].Host)
	require.Equal(t, "c.example", entries[2].Host)
}

func TestDatabase_ConcurrentDisjointUpserts(t *testing.T) {
	d := newTestDatabase(t)

	const workers, perWorker = 8, 25
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				host := fmt.Sprintf("host-%d-%d.example", w, i)
				d.Add(newPinnedEntry(t, host, 3600, false, []byte(host)))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, workers*perWorker, d.Len())
	for w := range workers {
		for i := range perWorker {
			host := fmt.Sprintf("host-%d-%d.example", w, i)
			require.Equal(t, Pinned, d.CheckPubkey(host, []byte(host)))
		}
	}
}

func TestDatabase_SaveWithoutFile(t *testing.T) {
	d := newTestDatabase(t)
	require.Error(t, d.Save(context.Background()))
	require.NoError(t, d.Load(context.Background()))
}
