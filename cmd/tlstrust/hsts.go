package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/tlstrust"
	"github.com/wolfeidau/tlstrust/hsts"
)

// HSTSCmd groups the HSTS subcommands.
type HSTSCmd struct {
	Add    HSTSAddCmd    `cmd:"" help:"Record a policy."`
	Match  HSTSMatchCmd  `cmd:"" help:"Check whether a host must use TLS."`
	List   HSTSListCmd   `cmd:"" help:"List stored policies."`
	Remove HSTSRemoveCmd `cmd:"" help:"Delete a policy."`
}

// hstsEditor is implemented by stores that can enumerate and delete policies.
type hstsEditor interface {
	Entries() []hsts.Entry
	Remove(host string, port uint16) bool
}

func (a *App) hstsEditor() (hstsEditor, error) {
	ed, ok := unwrapHSTS(a.hsts.Active()).(hstsEditor)
	if !ok {
		return nil, fmt.Errorf("HSTS backend %q cannot list or remove policies", a.hsts.Handle().Name)
	}
	return ed, nil
}

// HSTSAddCmd records a policy. A zero max-age removes it.
type HSTSAddCmd struct {
	Host              string `arg:"" help:"Host name."`
	Port              uint16 `default:"443" help:"Port the policy applies to."`
	MaxAge            int64  `required:"" help:"Policy lifetime in seconds. 0 removes the policy."`
	IncludeSubdomains bool   `short:"s" help:"Apply the policy to subdomains."`
}

func (c *HSTSAddCmd) Run(app *App) error {
	host, err := tlstrust.NormalizeHost(c.Host)
	if err != nil {
		return err
	}
	app.hsts.Active().Add(host, c.Port, c.MaxAge, c.IncludeSubdomains)
	return app.saveHSTS(context.Background())
}

// HSTSMatchCmd reports whether a policy covers host:port.
type HSTSMatchCmd struct {
	Host string `arg:"" help:"Host name."`
	Port uint16 `default:"443" help:"Port to check."`
}

func (c *HSTSMatchCmd) Run(app *App) error {
	host, err := tlstrust.NormalizeHost(c.Host)
	if err != nil {
		return err
	}
	result := "no match"
	if app.hsts.Active().HostMatch(host, c.Port) {
		result = "match"
	}
	fmt.Fprintf(app.out, "%s:%d %s\n", host, c.Port, result)
	return nil
}

// HSTSListCmd prints every stored policy.
type HSTSListCmd struct{}

func (c *HSTSListCmd) Run(app *App) error {
	ed, err := app.hstsEditor()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tPORT\tSUBDOMAINS\tCREATED\tMAX-AGE\tEXPIRES")
	for _, e := range ed.Entries() {
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\t%d\t%s\n",
			e.Host, e.Port, e.IncludeSubdomains, formatUnix(e.Created), e.MaxAge, formatUnix(e.Expires))
	}
	return tw.Flush()
}

// HSTSRemoveCmd deletes the policy for host:port.
type HSTSRemoveCmd struct {
	Host string `arg:"" help:"Host name."`
	Port uint16 `default:"443" help:"Port of the policy."`
}

func (c *HSTSRemoveCmd) Run(app *App) error {
	host, err := tlstrust.NormalizeHost(c.Host)
	if err != nil {
		return err
	}
	ed, err := app.hstsEditor()
	if err != nil {
		return err
	}
	if !ed.Remove(host, c.Port) {
		return fmt.Errorf("no HSTS policy for %s:%d", host, c.Port)
	}
	return app.saveHSTS(context.Background())
}

func formatUnix(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}
