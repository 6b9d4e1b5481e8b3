package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/wolfpack/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(newConfigPrintCommand(rootOpts))
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	return cmd
}

func newConfigPrintCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as JSON",
		Long: `Print the configuration selected by --config with every default
applied. Without --config the built-in defaults are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

// ConfigValidation is the JSON result of config validate.
type ConfigValidation struct {
	File   string `json:"file"`
	Valid  bool   `json:"valid"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

func newConfigValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a configuration file against the schema",
		Long: `Unify a configuration file with the schema and report the first
problem with its position.

Exit codes:
  0 - The file is valid
  1 - The file is invalid
  2 - The file could not be read`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.Output(cmd)
			path := args[0]
			_, err := config.Load(path)
			if err == nil {
				if opts.Format == "json" {
					return out.Success(ConfigValidation{File: path, Valid: true})
				}
				return out.Success(fmt.Sprintf("%s: ok", path))
			}

			var cerr *config.Error
			if !errors.As(err, &cerr) {
				return WrapExitError(ExitCommandError, "failed to read config", err)
			}
			if err := out.Error(CodeConfig, cerr.Error(), ConfigValidation{
				File:   path,
				Line:   cerr.Line,
				Column: cerr.Column,
			}); err != nil {
				return err
			}
			return NewExitError(ExitFailure, "invalid configuration")
		},
	}
}
