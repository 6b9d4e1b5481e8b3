// Package cli implements the wolfpack command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/wolfpack/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // config file; empty means defaults

	// level is shared by every logger built by Logger, so a config reload
	// changes them all.
	level slog.LevelVar
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the wolfpack CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "wolfpack",
		Short: "wolfpack - order and feed state synchronization",
		Long: `Keeps orders, feed posts and wolfpack memberships consistent across
optimistic local edits, realtime push events and periodic polling.

serve runs the HTTP and websocket surface over a persistence backend;
watch and mutate run the client engine against it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (debug logging)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "configuration file (CUE or JSON)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewMutateCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// LoadConfig loads the --config file, or the defaults.
func (o *RootOptions) LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	o.SetLevel(cfg)
	return cfg, nil
}

// SetLevel applies the configured log level. --verbose always wins.
func (o *RootOptions) SetLevel(cfg *config.Config) {
	if o.Verbose {
		o.level.Set(slog.LevelDebug)
		return
	}
	o.level.Set(cfg.Log.SlogLevel())
}

// Logger builds a logger writing to w in the configured format.
func (o *RootOptions) Logger(w io.Writer, cfg *config.Config) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: &o.level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// Output returns a formatter for cmd's streams.
func (o *RootOptions) Output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
