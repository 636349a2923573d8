// Package cli implements the monollm command-line front end.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"monollm/config"
	"monollm/internal/app"
	"monollm/internal/logging"
	"monollm/internal/providers"
	"monollm/internal/providers/builtin"
)

const usageText = `monollm talks to many LLM providers through one interface.

Usage:
  monollm <command> [flags]

Commands:
  list-providers  List the configured providers
  list-models     List models and their capabilities
  generate        Generate one response for a prompt
  chat            Start an interactive chat
  usage           Summarise recorded token usage
  serve           Start the HTTP server
  version         Print version information

Common flags:
  --config string     Path to YAML configuration file (default: $MONOLLM_CONFIG or config.yaml)
  --log-level string  Override the configured log level

Run 'monollm <command> -h' for command flags.`

// CLI holds the streams and factory used by every command.
type CLI struct {
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Factory *providers.ProviderFactory
}

// New returns a CLI bound to the process streams and the built-in adapters.
func New() *CLI {
	return &CLI{
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Factory: builtin.DefaultFactory(),
	}
}

// Execute runs the CLI dispatcher with the provided arguments.
func (c *CLI) Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return c.printUsage()
	}

	switch args[0] {
	case "list-providers":
		return c.listProviders(ctx, args[1:])
	case "list-models":
		return c.listModels(ctx, args[1:])
	case "generate":
		return c.generate(ctx, args[1:])
	case "chat":
		return c.chat(ctx, args[1:])
	case "usage":
		return c.usageSummary(ctx, args[1:])
	case "serve":
		return c.serve(ctx, args[1:])
	case "version", "--version":
		return c.version(args[1:])
	case "help", "-h", "--help":
		return c.printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usageText)
	}
}

func (c *CLI) printUsage() error {
	fmt.Fprintln(c.Stdout, strings.TrimSpace(usageText))
	return nil
}

// commonFlags are accepted by every command that loads configuration.
type commonFlags struct {
	configPath string
	logLevel   string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "path to configuration file")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func (c *CLI) newFlagSet(name, help string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	fs.Usage = func() {
		fmt.Fprintln(c.Stderr, help)
	}
	return fs
}

// parseFlags parses args allowing positional arguments between flags and
// returns the positional arguments.
func parseFlags(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

// flagError maps -h to a clean exit.
func flagError(name string, err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return fmt.Errorf("parse %s flags: %w", name, err)
}

// loadConfig reads configuration and installs the logger on stderr.
func (c *CLI) loadConfig(f commonFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := logging.Setup(c.Stderr, logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp loads configuration and builds the application.
func (c *CLI) openApp(ctx context.Context, f commonFlags) (*app.App, error) {
	cfg, err := c.loadConfig(f)
	if err != nil {
		return nil, err
	}
	return c.newApp(ctx, cfg)
}

func (c *CLI) newApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	return app.New(ctx, app.Config{AppConfig: cfg, Factory: c.Factory})
}

func closeApp(a *app.App) {
	_ = a.Shutdown(context.Background())
}

// optionalFloat is a float flag that remembers whether it was set.
type optionalFloat struct {
	value *float64
}

func (o *optionalFloat) String() string {
	if o.value == nil {
		return ""
	}
	return strconv.FormatFloat(*o.value, 'g', -1, 64)
}

func (o *optionalFloat) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	o.value = &v
	return nil
}

// optionalInt is an int flag that remembers whether it was set.
type optionalInt struct {
	value *int
}

func (o *optionalInt) String() string {
	if o.value == nil {
		return ""
	}
	return strconv.Itoa(*o.value)
}

func (o *optionalInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	o.value = &v
	return nil
}
