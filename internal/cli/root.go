// Package cli implements the appframe command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string
}

// ValidFormats lists the accepted output formats.
var ValidFormats = []string{"text", "json"}

// AppFactory builds the runtime for a command.
type AppFactory func() (*App, error)

// NewRootCommand creates the appframe root command.
func NewRootCommand(factory AppFactory) *cobra.Command {
	if factory == nil {
		factory = NewApp
	}
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "appframe",
		Short:         "Multi-tenant application framework runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "output", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(factory))
	cmd.AddCommand(NewHistoryCommand(opts, factory))
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
