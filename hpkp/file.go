package hpkp

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

const fileHeaderFormat = "# HPKP 1.0 file\n" +
	"#Generated by %s. Edit at your own risk.\n" +
	"#<hostname> <incl. subdomains> <created> <max-age>\n\n"

// loader returns a parser that reads an HPKP file into the database.
// It runs with d.mu held.
func (d *Database) loader(ctx context.Context) filestore.LoadFunc {
	return func(r io.Reader) error {
		return d.loadFrom(ctx, r)
	}
}

func (d *Database) loadFrom(ctx context.Context, r io.Reader) error {
	now := d.now().Unix()
	var current *Entry
	flush := func() {
		if current != nil {
			d.upsertLocked(current)
			current = nil
		}
	}

	err := filestore.EachLine(r, func(lineNo int, line string) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed[0] == '#' {
			return
		}

		if trimmed[0] != '*' {
			flush()

			e, err := parseHostLine(trimmed)
			if err != nil {
				d.logger.Warn("failed to parse HPKP host line", "line", lineNo, "text", line, "error", err)
				telemetry.RecordSkippedLine(ctx, "hpkp")
				return
			}
			if e.MaxAge == 0 || e.Expired(now) {
				d.logger.Debug("dropping expired HPKP entry", "host", e.Host)
				return
			}
			current = e
			return
		}

		if current == nil {
			d.logger.Debug("skipping HPKP pin without host", "line", lineNo, "text", line)
			return
		}

		hashType, encoded, err := parsePinLine(trimmed)
		if err == nil {
			err = current.AddPin(hashType, encoded)
		}
		if err != nil {
			d.logger.Warn("failed to parse HPKP pin line", "line", lineNo, "text", line, "error", err)
			telemetry.RecordSkippedLine(ctx, "hpkp")
		}
	})
	flush()

	return err
}

// parseHostLine parses "<host> <0|1> <created> <max-age>".
func parseHostLine(line string) (*Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}

	includeSubdomains, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("parsing includeSubDomains: %w", err)
	}

	created, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing created: %w", err)
	}

	maxAge, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing max-age: %w", err)
	}

	e := &Entry{
		Host:              fields[0],
		Created:           tlstrust.ClampTimestamp(created),
		IncludeSubdomains: includeSubdomains != 0,
	}
	e.SetMaxAge(maxAge)
	return e, nil
}

// parsePinLine parses "*<hash_type> <base64>".
func parsePinLine(line string) (hashType, encoded string, err error) {
	fields := strings.Fields(strings.TrimPrefix(line, "*"))
	if len(fields) < 2 {
		return "", "", fmt.Errorf("expected 2 fields, got %d", len(fields))
	}
	return fields[0], fields[1], nil
}

// saveTo writes the live entries and their pins. Called with d.mu held.
// It returns the number of pins written.
func (d *Database) saveTo(w io.Writer) (int, error) {
	now := d.now().Unix()

	n := 0
	header := false
	for _, e := range d.entries {
		if len(e.pins) == 0 {
			d.logger.Debug("dropping HPKP entry without pins", "host", e.Host)
			continue
		}
		if e.Expired(now) {
			d.logger.Debug("dropping expired HPKP entry", "host", e.Host)
			continue
		}
		if !header {
			if _, err := fmt.Fprintf(w, fileHeaderFormat, tlstrust.Product()); err != nil {
				return 0, err
			}
			header = true
		}
		if _, err := fmt.Fprintf(w, "%s %d %d %d\n",
			e.Host, boolToInt(e.IncludeSubdomains), e.Created, e.MaxAge); err != nil {
			return 0, err
		}
		for _, p := range e.pins {
			if _, err := fmt.Fprintf(w, "*%s %s\n", p.HashType, p.Encoded); err != nil {
				return 0, err
			}
			n++
		}
	}

	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
