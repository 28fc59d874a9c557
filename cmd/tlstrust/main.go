// Command tlstrust manages HSTS and HPKP trust stores and serves queries
// against them.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/wolfeidau/tlstrust"
	"github.com/wolfeidau/tlstrust/config"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config       string   `help:"Path to the YAML config file." type:"path" env:"TLSTRUST_CONFIG"`
	LogLevel     string   `help:"Log level (debug, info, warn, error)." placeholder:"LEVEL"`
	LogFormat    string   `help:"Log format (text, json)." placeholder:"FORMAT"`
	HSTSFile     string   `name:"hsts-file" help:"HSTS trust file." type:"path"`
	HPKPFile     string   `name:"hpkp-file" help:"HPKP trust file." type:"path"`
	NoLock       bool     `help:"Do not take advisory locks on the trust files."`
	Plugin       []string `help:"Load a plugin by name. Repeatable." sep:"none"`
	PluginOption []string `help:"Forward <plugin>.<option>[=<value>] to a loaded plugin. Repeatable." sep:"none"`
}

// CLI is the command line.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print the version and exit."`

	Serve   ServeCmd   `cmd:"" help:"Serve HSTS and HPKP queries over HTTP."`
	HSTS    HSTSCmd    `cmd:"" name:"hsts" help:"Manage HSTS policies."`
	HPKP    HPKPCmd    `cmd:"" name:"hpkp" help:"Manage HPKP pins."`
	Plugins PluginsCmd `cmd:"" help:"Inspect store plugins."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("tlstrust"),
		kong.Description("HSTS and HPKP trust store manager."),
		kong.UsageOnError(),
		kong.Vars{"version": tlstrust.Version},
	)

	os.Exit(run(kctx, &cli.Globals))
}

func run(kctx *kong.Context, g *Globals) int {
	ctx := context.Background()

	app, err := newApp(ctx, g, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	exitCode := 0
	if app.plugins.HelpForwarded() {
		app.logger.Debug("plugin help shown, skipping command")
	} else if err := kctx.Run(app); err != nil {
		app.logger.Error("command failed", "command", kctx.Command(), "error", err)
		exitCode = 1
	}

	if err := app.Close(exitCode); err != nil {
		app.logger.Warn("failed to release stores", "error", err)
	}
	return exitCode
}

// newLogger builds the process logger. Terminals get colourised output.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "text":
		if isTerminal(w) {
			handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
		} else {
			handler = slog.NewTextHandler(w, opts)
		}
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
