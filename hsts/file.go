package hsts

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/wolfeidau/tlstrust"
	"github.com/wolfeidau/tlstrust/filestore"
	"github.com/wolfeidau/tlstrust/telemetry"
)

const fileHeaderFormat = "#HSTS 1.0 file\n" +
	"#Generated by %s. Edit at your own risk.\n" +
	"# <hostname> <port> <incl. subdomains> <created> <max-age>\n"

// loader returns a parser that reads an HSTS file into the database.
// It runs with d.mu held.
func (d *Database) loader(ctx context.Context) filestore.LoadFunc {
	return func(r io.Reader) error {
		return d.loadFrom(ctx, r)
	}
}

func (d *Database) loadFrom(ctx context.Context, r io.Reader) error {
	now := d.now().Unix()

	return filestore.EachLine(r, func(lineNo int, line string) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed[0] == '#' {
			return
		}

		e, err := parseLine(trimmed)
		if err != nil {
			d.logger.Warn("failed to parse HSTS line", "line", lineNo, "text", line, "error", err)
			telemetry.RecordSkippedLine(ctx, "hsts")
			return
		}
		if e.Expired(now) {
			d.logger.Debug("dropping expired HSTS entry", "host", e.Host, "port", e.Port)
			return
		}
		d.upsertLocked(e)
	})
}

// parseLine parses "<host> <port> <0|1> <created> <max-age>".
func parseLine(line string) (*Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	port, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parsing port: %w", err)
	}
	if port == 0 {
		port = DefaultPort
	}

	includeSubdomains, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("parsing includeSubDomains: %w", err)
	}

	created, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing created: %w", err)
	}

	maxAge, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing max-age: %w", err)
	}

	e := &Entry{
		Host:              fields[0],
		Port:              uint16(port),
		Created:           tlstrust.ClampTimestamp(created),
		IncludeSubdomains: includeSubdomains != 0,
	}
	e.MaxAge, e.Expires = tlstrust.Lifetime(e.Created, maxAge)
	return e, nil
}

// saveTo writes the live entries. Called with d.mu held.
func (d *Database) saveTo(w io.Writer) (int, error) {
	now := d.now().Unix()

	n := 0
	for _, e := range d.entries {
		if e.Expired(now) {
			continue
		}
		if n == 0 {
			if _, err := fmt.Fprintf(w, fileHeaderFormat, tlstrust.Product()); err != nil {
				return 0, err
			}
		}
		if _, err := fmt.Fprintf(w, "%s %d %d %d %d\n",
			e.Host, e.Port, boolToInt(e.IncludeSubdomains), e.Created, e.MaxAge); err != nil {
			return 0, err
		}
		n++
	}

	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
