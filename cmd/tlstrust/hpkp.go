package main

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/wolfeidau/tlstrust"
	"github.com/wolfeidau/tlstrust/hpkp"
)

// HPKPCmd groups the HPKP subcommands.
type HPKPCmd struct {
	Add    HPKPAddCmd    `cmd:"" help:"Record pins for a host."`
	Check  HPKPCheckCmd  `cmd:"" help:"Check a public key against the pins for a host."`
	List   HPKPListCmd   `cmd:"" help:"List stored pins."`
	Remove HPKPRemoveCmd `cmd:"" help:"Delete the pins for a host."`
}

// hpkpEditor is implemented by stores that can enumerate and delete pins.
type hpkpEditor interface {
	Entries() []*hpkp.Entry
	Remove(host string) bool
}

func (a *App) hpkpEditor() (hpkpEditor, error) {
	ed, ok := unwrapHPKP(a.hpkp.Active()).(hpkpEditor)
	if !ok {
		return nil, fmt.Errorf("HPKP backend %q cannot list or remove pins", a.hpkp.Handle().Name)
	}
	return ed, nil
}

// HPKPAddCmd records pins for a host, replacing any existing ones.
type HPKPAddCmd struct {
	Host              string   `arg:"" help:"Host name."`
	Pins              []string `arg:"" optional:"" help:"Pins as [<hash_type>/]<base64>. The hash type defaults to sha256."`
	Cert              []string `type:"existingfile" help:"PEM certificate whose public key is pinned. Repeatable." sep:"none"`
	MaxAge            int64    `required:"" help:"Pin lifetime in seconds. 0 removes the pins."`
	IncludeSubdomains bool     `short:"s" help:"Apply the pins to subdomains."`
}

func (c *HPKPAddCmd) Run(app *App) error {
	host, err := tlstrust.NormalizeHost(c.Host)
	if err != nil {
		return err
	}

	e := hpkp.NewEntry(host, app.now().Unix())
	e.IncludeSubdomains = c.IncludeSubdomains
	e.SetMaxAge(c.MaxAge)
	for _, arg := range c.Pins {
		hashType, encoded := splitPin(arg)
		if err := e.AddPin(hashType, encoded); err != nil {
			return err
		}
	}
	for _, path := range c.Cert {
		cert, err := readCertificate(path)
		if err != nil {
			return err
		}
		pin, err := tlstrust.PinFromCertificate(cert)
		if err != nil {
			return err
		}
		if err := e.AddPin(pin.HashType, pin.Encoded); err != nil {
			return err
		}
	}
	if c.MaxAge > 0 && e.PinCount() == 0 {
		return errors.New("at least one pin or --cert is required")
	}

	app.hpkp.Active().Add(e)
	return app.saveHPKP(context.Background())
}

// HPKPCheckCmd checks a public key against the pins for a host.
type HPKPCheckCmd struct {
	Host   string `arg:"" help:"Host name."`
	Cert   string `type:"existingfile" xor:"key" required:"" help:"PEM certificate to check."`
	Pubkey string `xor:"key" required:"" help:"Base64 DER SubjectPublicKeyInfo to check."`
}

func (c *HPKPCheckCmd) Run(app *App) error {
	host, err := tlstrust.NormalizeHost(c.Host)
	if err != nil {
		return err
	}

	var der []byte
	if c.Cert != "" {
		cert, err := readCertificate(c.Cert)
		if err != nil {
			return err
		}
		der = cert.RawSubjectPublicKeyInfo
	} else {
		der, err = base64.StdEncoding.DecodeString(c.Pubkey)
		if err != nil {
			return fmt.Errorf("decoding public key: %w", err)
		}
	}

	res := app.hpkp.Active().CheckPubkey(host, der)
	fmt.Fprintf(app.out, "%s %s\n", host, res)
	if res == hpkp.HostNotPinned {
		return fmt.Errorf("public key is not pinned for %s", host)
	}
	return nil
}

// HPKPListCmd prints every stored host and its pins.
type HPKPListCmd struct{}

func (c *HPKPListCmd) Run(app *App) error {
	ed, err := app.hpkpEditor()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSUBDOMAINS\tCREATED\tMAX-AGE\tPINS")
	for _, e := range ed.Entries() {
		pins := make([]string, 0, e.PinCount())
		for _, p := range e.Pins() {
			pins = append(pins, p.String())
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%d\t%s\n",
			e.Host, e.IncludeSubdomains, formatUnix(e.Created), e.MaxAge, strings.Join(pins, " "))
	}
	return tw.Flush()
}

// HPKPRemoveCmd deletes the pins for a host.
type HPKPRemoveCmd struct {
	Host string `arg:"" help:"Host name."`
}

func (c *HPKPRemoveCmd) Run(app *App) error {
	host, err := tlstrust.NormalizeHost(c.Host)
	if err != nil {
		return err
	}
	ed, err := app.hpkpEditor()
	if err != nil {
		return err
	}
	if !ed.Remove(host) {
		return fmt.Errorf("no HPKP pins for %s", host)
	}
	return app.saveHPKP(context.Background())
}

// splitPin separates an optional "<hash_type>/" prefix from a pin argument.
// Base64 may itself contain '/', so only a prefix naming a supported hash
// type is taken as the type.
func splitPin(arg string) (hashType, encoded string) {
	if prefix, rest, ok := strings.Cut(arg, "/"); ok && tlstrust.SupportedHashType(prefix) {
		return prefix, rest
	}
	return tlstrust.HashTypeSHA256, arg
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: no PEM certificate found", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate %s: %w", path, err)
	}
	return cert, nil
}
