// Package cli implements the funnelscope command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "funnelscope",
		Short: "Funnel conversion analytics over entity event timelines",
		Long: `funnelscope answers how many entities progressed through an ordered
list of steps within a conversion window, where they dropped off, and how
long converting took.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format for stdout (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to funnelscope.yml")

	cmd.AddCommand(NewFunnelCommand(opts))
	cmd.AddCommand(NewTimeToConvertCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
