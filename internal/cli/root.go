package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands. Database flags override
// the matching ASYNCDB_* environment variables when set.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Driver   string
	DSN      string
	PoolSize int
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the asyncdb CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "asyncdb",
		Short: "asyncdb - asynchronous database access broker",
		Long: `Run database work through a pool of connection-owning workers.

Connection settings come from ASYNCDB_* environment variables and may be
overridden with the global flags below.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.Driver, "driver", "", "database driver (sqlite|postgres)")
	pf.StringVar(&opts.DSN, "dsn", "", "database target: a file path for sqlite, a URL for postgres")
	pf.IntVar(&opts.PoolSize, "pool", 0, "number of workers, each holding one connection")

	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewKVCommand(opts))

	return cmd
}
