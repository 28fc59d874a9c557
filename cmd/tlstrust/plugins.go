package main

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/wolfeidau/tlstrust/backend"
)

// PluginsCmd groups the plugin subcommands.
type PluginsCmd struct {
	List PluginsListCmd `cmd:"" help:"List available plugins and the active backends."`
	Help PluginsHelpCmd `cmd:"" help:"Describe the options of loaded plugins."`
}

// PluginsListCmd prints the plugin catalog.
type PluginsListCmd struct{}

func (c *PluginsListCmd) Run(app *App) error {
	loaded := app.plugins.Loaded()

	tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLUGIN\tLOADED")
	for _, name := range app.plugins.Available() {
		fmt.Fprintf(tw, "%s\t%t\n", name, slices.Contains(loaded, name))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(app.out)
	tw = tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STORE\tBACKEND\tKIND\tPRIORITY")
	for _, row := range []struct {
		store  string
		handle backend.Handle
	}{
		{"hsts", app.hsts.Handle()},
		{"hpkp", app.hpkp.Handle()},
	} {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", row.store, row.handle.Name, row.handle.Kind, row.handle.Priority)
	}
	return tw.Flush()
}

// PluginsHelpCmd prints the options every loaded plugin accepts.
type PluginsHelpCmd struct{}

func (c *PluginsHelpCmd) Run(app *App) error {
	app.plugins.ShowHelp()
	return nil
}
