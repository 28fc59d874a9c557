package hpkp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hpkp")
	ctx := context.Background()

	src := newTestDatabase(t, WithFile(path))
	src.Add(newPinnedEntry(t, "example.org", 31536000, true, []byte("a"), []byte("b")))
	src.Add(newPinnedEntry(t, "other.example", 600, false, []byte("c")))
	require.NoError(t, src.Save(ctx))

	dst := newTestDatabase(t, WithFile(path))
	require.NoError(t, dst.Load(ctx))

	if diff := cmp.Diff(src.Entries(), dst.Entries(), cmp.AllowUnexported(Entry{})); diff != "" {
		t.Fatalf("entries mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestFile_SaveFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hpkp")
	d := newTestDatabase(t, WithFile(path))

	e := NewEntry("example.org", 1_699_999_000)
	e.SetMaxAge(5000)
	require.NoError(t, e.AddPin("sha256", b64(1, 2, 3)))
	d.Add(e)
	require.NoError(t, d.Save(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	require.Equal(t, "# HPKP 1.0 file", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "#Generated by tlstrust "))
	require.Equal(t, "#<hostname> <incl. subdomains> <created> <max-age>", lines[2])
	require.Empty(t, lines[3])
	require.Equal(t, "example.org 0 1699999000 5000", lines[4])
	require.Equal(t, "*sha256 AQID", lines[5])
}

func TestFile_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hpkp")
	writeFile(t, path, strings.Join([]string{
		"# HPKP 1.0 file",
		"*sha256 " + b64(9) + " orphan pin is ignored",
		"",
		"good.example 1 1699999000 3600\r",
		"*sha256 " + b64(1),
		"*sha256 " + b64(1),
		"*sha256 %%%",
		"*sha256",
		"  *sha256 " + b64(2),
		"expired.example 0 1000 10",
		"*sha256 " + b64(3),
		"broken.example x 1699999000 3600",
		"*sha256 " + b64(4),
		"nopins.example 0 1699999000 3600",
		"last.example 0 1699999000 3600",
		"*sha512 " + b64(5),
	}, "\n"))

	d := newTestDatabase(t, WithFile(path))
	require.NoError(t, d.Load(context.Background()))

	entries := d.Entries()
	require.Len(t, entries, 2)

	require.Equal(t, "good.example", entries[0].Host)
	require.True(t, entries[0].IncludeSubdomains)
	require.EqualValues(t, 1_700_002_600, entries[0].Expires)
	require.Equal(t, 2, entries[0].PinCount())

	require.Equal(t, "last.example", entries[1].Host)
	require.Equal(t, "sha512", entries[1].Pins()[0].HashType)
}

func TestFile_ExpiredOnlyLoadsEmptyAndSaveRemoves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hpkp")
	writeFile(t, path, "old.example 1 1000 10\n*sha256 "+b64(1)+"\n")

	d := newTestDatabase(t, WithFile(path))
	ctx := context.Background()
	require.NoError(t, d.Load(ctx))
	require.Zero(t, d.Len())

	require.NoError(t, d.Save(ctx))
	_, err := os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFile_SaveDropsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hpkp")
	d := newTestDatabase(t, WithFile(path))

	stale := NewEntry("stale.example", 1000)
	stale.SetMaxAge(10)
	require.NoError(t, stale.AddPin("sha256", b64(1)))
	d.Add(stale)
	d.Add(newPinnedEntry(t, "fresh.example", 3600, false, []byte("k")))

	require.NoError(t, d.Save(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "stale.example")
	require.Contains(t, string(data), "fresh.example")
}

func TestFile_LoadToleratesLongLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hpkp")
	writeFile(t, path, strings.Join([]string{
		"good.example 0 1699999000 3600",
		"*sha256 " + b64(1),
		"#" + strings.Repeat("x", 70_000),
		"*sha256 " + strings.Repeat("A", 70_001),
		"other.example 0 1699999000 3600",
		"*sha256 " + b64(2),
	}, "\n"))

	d := newTestDatabase(t, WithFile(path))
	ctx := context.Background()
	require.NoError(t, d.Load(ctx))

	entries := d.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "good.example", entries[0].Host)
	require.Equal(t, 1, entries[0].PinCount())
	require.Equal(t, "other.example", entries[1].Host)

	require.NoError(t, d.Save(ctx))
}
