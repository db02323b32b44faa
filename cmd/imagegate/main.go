// Command imagegate runs the image inference gateway.
//
// Usage:
//
//	imagegate serve
//	imagegate migrate
//	imagegate models --registry models.yaml
//	imagegate grant --owner user-123 --amount 50
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP gateway."`
	Migrate MigrateCmd `cmd:"" help:"Apply credit ledger migrations."`
	Models  ModelsCmd  `cmd:"" help:"List registered models."`
	Grant   GrantCmd   `cmd:"" help:"Add credits to an account."`

	EnvFile   string `name:"env-file" help:"Dotenv file loaded before reading the environment." default:".env" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides LOG_LEVEL."`
	LogFormat string `help:"Log format (text, json). Overrides LOG_FORMAT."`
}

// load reads the dotenv file and the environment into a Config and builds
// the logger.
func (cli *CLI) load() (Config, *slog.Logger, error) {
	if err := godotenv.Load(cli.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, nil, fmt.Errorf("load %s: %w", cli.EnvFile, err)
	}
	cfg, err := LoadConfig()
	if err != nil {
		return Config{}, nil, err
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.LogFormat = cli.LogFormat
	}
	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("imagegate"),
		kong.Description("Image inference gateway with guest admission and credit billing."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
