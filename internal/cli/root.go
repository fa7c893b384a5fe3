// Package cli implements the syncctl command line: a sync client that
// reads, writes and listens to documents from a terminal.
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/syntrixbase/syntrix-sync/internal/config"
	"github.com/syntrixbase/syntrix-sync/internal/logging"
)

// DefaultConfigDir is searched for config.yml when --config is not set.
const DefaultConfigDir = "config"

// ValidFormats are the accepted values of --format.
var ValidFormats = []string{"text", "json"}

// RootOptions holds the global flags and what PersistentPreRunE derives
// from them.
type RootOptions struct {
	ConfigPath string
	Format     string
	Offline    bool

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand creates the syncctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Offline-first document sync client",
		Long: `syncctl runs a sync client against a document server.

Writes are applied to the local cache first and sent to the server in the
background. Reads come from the server unless --source cache is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "configuration file (default: config/config.yml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.Offline, "offline", false, "start with the network disabled")

	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newSetCommand(opts))
	cmd.AddCommand(newPatchCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newListenCommand(opts))

	return cmd
}

func (o *RootOptions) load() error {
	var (
		cfg *config.Config
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = config.LoadFile(o.ConfigPath)
	} else {
		cfg, err = config.LoadConfig(DefaultConfigDir)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize logging", err)
	}
	o.cfg = cfg
	o.logger = slog.Default().With("component", "syncctl")
	return nil
}
