package hsts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
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

func TestDatabase_AddAndRemoveWithZeroMaxAge(t *testing.T) {
	d := newTestDatabase(t)

	d.Add("example.org", 443, 31536000, true)
	require.True(t, d.HostMatch("sub.example.org", 443))
	require.True(t, d.HostMatch("example.org", 443))

	d.Add("example.org", 443, 0, false)
	require.False(t, d.HostMatch("example.org", 443))
	require.Zero(t, d.Len())
}

func TestDatabase_NonPositiveMaxAgeNeverStored(t *testing.T) {
	d := newTestDatabase(t)

	for _, maxAge := range []int64{0, -1, -3600} {
		d.Add("example.org", 443, maxAge, true)
		require.Zero(t, d.Len(), "maxAge %d", maxAge)
	}

	// removing an absent key is a no-op
	d.Add("absent.example", 443, 0, false)
	require.Zero(t, d.Len())
}

func TestDatabase_UpsertUpdatesExisting(t *testing.T) {
	d := newTestDatabase(t)

	d.Add("example.org", 443, 100, false)
	d.Upsert(NewEntry("example.org", 443, 500, true, testNow.Unix()+10))

	entries := d.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	require.EqualValues(t, testNow.Unix()+10, e.Created)
	require.EqualValues(t, 500, e.MaxAge)
	require.EqualValues(t, testNow.Unix()+510, e.Expires)
	require.True(t, e.IncludeSubdomains)
}

func TestDatabase_UpsertNil(t *testing.T) {
	d := newTestDatabase(t)
	d.Upsert(nil)
	require.Zero(t, d.Len())
}

func TestDatabase_Remove(t *testing.T) {
	d := newTestDatabase(t)

	d.Add("example.org", 0, 100, false)
	d.Add("example.org", 8443, 100, false)

	require.True(t, d.Remove("example.org", 0))
	require.False(t, d.Remove("example.org", 443))
	require.Equal(t, 1, d.Len())
	require.True(t, d.HostMatch("example.org", 8443))
}

func TestDatabase_ClearAndEntries(t *testing.T) {
	d := newTestDatabase(t)

	d.Add("b.example", 443, 100, false)
	d.Add("a.example", 8443, 100, false)
	d.Add("a.example", 443, 100, false)

	entries := d.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "a.example", entries[0].Host)
	require.EqualValues(t, 443, entries[0].Port)
	require.EqualValues(t, 8443, entries[1].Port)
	require.Equal(t, "b.example", entries[2].Host)

	// Entries returns copies
	entries[0].MaxAge = 1
	require.EqualValues(t, 100, d.Entries()[0].MaxAge)

	d.Clear()
	require.Zero(t, d.Len())
}

func TestDatabase_ConcurrentDisjointUpserts(t *testing.T) {
	d := newTestDatabase(t)

	const workers, perWorker = 8, 50
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				d.Add(fmt.Sprintf("host-%d-%d.example", w, i), 443, 3600, false)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, workers*perWorker, d.Len())
	for w := range workers {
		for i := range perWorker {
			require.True(t, d.HostMatch(fmt.Sprintf("host-%d-%d.example", w, i), 443))
		}
	}
}

func TestDatabase_LoadWithoutFile(t *testing.T) {
	d := newTestDatabase(t)
	require.NoError(t, d.Load(context.Background()))
}

func TestDatabase_SaveWithoutFile(t *testing.T) {
	d := newTestDatabase(t)
	d.Add("example.org", 443, 100, false)
	require.Error(t, d.Save(context.Background()))
}

func TestDatabase_LoadCancelledContext(t *testing.T) {
	d := newTestDatabase(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, d.Load(ctx), context.Canceled)
}

func TestDatabase_SetFile(t *testing.T) {
	d := newTestDatabase(t, WithFile("/tmp/one"))
	require.Equal(t, "/tmp/one", d.File())
	d.SetFile("/tmp/two")
	require.Equal(t, "/tmp/two", d.File())
}
