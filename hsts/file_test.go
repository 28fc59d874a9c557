package hsts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsts")
	ctx := context.Background()

	src := newTestDatabase(t, WithFile(path))
	src.Upsert(NewEntry("example.org", 443, 31536000, true, testNow.Unix()-5))
	src.Upsert(NewEntry("example.org", 8443, 600, false, testNow.Unix()))
	src.Upsert(NewEntry("other.example", 443, 86400, false, testNow.Unix()-1000))
	require.NoError(t, src.Save(ctx))

	dst := newTestDatabase(t, WithFile(path))
	require.NoError(t, dst.Load(ctx))

	require.Equal(t, src.Entries(), dst.Entries())
}

func TestFile_SaveWritesBanner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsts")
	d := newTestDatabase(t, WithFile(path))
	d.Upsert(NewEntry("example.org", 443, 100, true, 1_699_999_990))
	require.NoError(t, d.Save(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "#HSTS 1.0 file", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "#Generated by tlstrust "))
	require.Equal(t, "# <hostname> <port> <incl. subdomains> <created> <max-age>", lines[2])
	require.Equal(t, "example.org 443 1 1699999990 100", lines[3])

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFile_LoadSkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsts")
	writeFile(t, path, strings.Join([]string{
		"# comment",
		"",
		"   ",
		"good.example 443 1 1699999000 3600\r",
		"short.example 443 1",
		"badport.example 99999 0 1699999000 3600",
		"badflag.example 443 x 1699999000 3600",
		"badcreated.example 443 0 yesterday 3600",
		"badage.example 443 0 1699999000 forever",
		"zero.example 0 0 1699999000 3600",
	}, "\n"))

	d := newTestDatabase(t, WithFile(path))
	require.NoError(t, d.Load(context.Background()))

	entries := d.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "good.example", entries[0].Host)
	require.True(t, entries[0].IncludeSubdomains)
	require.Equal(t, "zero.example", entries[1].Host)
	require.EqualValues(t, DefaultPort, entries[1].Port)
}

func TestFile_ExpiredOnlyLoadsEmptyAndSaveRemoves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsts")
	writeFile(t, path, "#HSTS 1.0 file\n"+
		"old.example 443 1 1000 10\n"+
		"older.example 443 0 500 1\n"+
		"never.example 443 0 1699999000 0\n")

	d := newTestDatabase(t, WithFile(path))
	ctx := context.Background()
	require.NoError(t, d.Load(ctx))
	require.Zero(t, d.Len())

	require.NoError(t, d.Save(ctx))
	_, err := os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFile_LoadSkipsUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsts")
	writeFile(t, path, "example.org 443 0 1699999000 3600\n")

	d := newTestDatabase(t, WithFile(path))
	ctx := context.Background()
	require.NoError(t, d.Load(ctx))
	require.Equal(t, 1, d.Len())

	d.Clear()
	require.NoError(t, d.Load(ctx))
	require.Zero(t, d.Len(), "unchanged file must not be re-read")

	older := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, older, older))
	require.NoError(t, d.Load(ctx))
	require.Equal(t, 1, d.Len())
}

func TestFile_SaveMergesExternalChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsts")
	ctx := context.Background()

	d := newTestDatabase(t, WithFile(path))
	d.Add("memory.example", 443, 3600, false)
	require.NoError(t, d.Save(ctx))

	// another process rewrites the file
	writeFile(t, path, "disk.example 443 0 1699999000 3600\n")
	older := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, older, older))

	require.NoError(t, d.Save(ctx))

	fresh := newTestDatabase(t, WithFile(path))
	require.NoError(t, fresh.Load(ctx))
	require.True(t, fresh.HostMatch("memory.example", 443))
	require.True(t, fresh.HostMatch("disk.example", 443))
}

func TestFile_LoadMissingFile(t *testing.T) {
	d := newTestDatabase(t, WithFile(filepath.Join(t.TempDir(), "absent")))
	require.NoError(t, d.Load(context.Background()))
	require.Zero(t, d.Len())
}

func TestParseLine(t *testing.T) {
	e, err := parseLine("example.org 443 1 100 200 trailing")
	require.NoError(t, err)
	require.Equal(t, &Entry{
		Host:              "example.org",
		Port:              443,
		Created:           100,
		MaxAge:            200,
		Expires:           300,
		IncludeSubdomains: true,
	}, e)

	// out of range created collapses to a zero lifetime
	e, err = parseLine("example.org 443 0 -5 200")
	require.NoError(t, err)
	require.Zero(t, e.Created)
	require.EqualValues(t, 200, e.Expires)
}

func TestFile_LoadToleratesLongLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsts")
	writeFile(t, path, "good.example 443 0 1699999000 3600\n"+
		"#"+strings.Repeat("x", 70_000)+"\n"+
		strings.Repeat("y", 70_000)+" 443 0 1699999000 3600 junk\n"+
		"other.example 443 0 1699999000 3600\n")

	d := newTestDatabase(t, WithFile(path))
	ctx := context.Background()
	require.NoError(t, d.Load(ctx))
	require.True(t, d.HostMatch("good.example", 443))
	require.True(t, d.HostMatch("other.example", 443))

	d.Add("new.example", 443, 3600, false)
	require.NoError(t, d.Save(ctx))

	fresh := newTestDatabase(t, WithFile(path))
	require.NoError(t, fresh.Load(ctx))
	require.True(t, fresh.HostMatch("new.example", 443))
	require.True(t, fresh.HostMatch("other.example", 443))
}
