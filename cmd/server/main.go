package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chronicle/internal/platform/config"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	ConfigFile string
}

func (o *rootOptions) load() (*config.Config, error) {
	if o.ConfigFile != "" {
		return config.LoadFile(o.ConfigFile)
	}
	return config.Load()
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "chronicle",
		Short:         "Audit trail for a multi-tenant resource tree",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML config file (defaults to $CHRONICLE_CONFIG)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chronicle:", err)
		os.Exit(1)
	}
}
