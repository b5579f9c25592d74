// Package cli implements the wsharness command line: probing a live
// gateway, running the reference gateway, publishing events through
// Redis and minting test tokens.
package cli

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/wsharness/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the wsharness CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "wsharness",
		Short: "Drive and observe a real-time WebSocket gateway",
		Long: `wsharness connects to a bridge gateway's WebSocket endpoint, authenticates,
subscribes to event streams and reports what arrives. It can also run a
reference gateway locally, publish events through Redis and mint test tokens.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "harness YAML config file")

	cmd.AddCommand(NewProbeCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// newLogger builds a console logger on w. Verbose enables debug output.
func (o *RootOptions) newLogger(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if o.Verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// harnessConfig loads --config when given, otherwise the defaults, and
// then applies WSH_* environment overrides.
func (o *RootOptions) harnessConfig() (*config.HarnessConfig, error) {
	if o.Config == "" {
		return config.HarnessConfigFromEnv(), nil
	}
	cfg, err := config.LoadHarnessConfig(o.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}
