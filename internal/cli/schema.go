package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/asyncdb/internal/broker"
	"github.com/roach88/asyncdb/internal/driver"
	"github.com/roach88/asyncdb/internal/schema"
)

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create, verify, and print tables from a YAML schema file",
	}
	cmd.AddCommand(newSchemaApplyCommand(rootOpts))
	cmd.AddCommand(newSchemaDDLCommand(rootOpts))
	return cmd
}

func newSchemaApplyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <schema.yaml>",
		Short: "Create missing tables and verify existing ones",
		Long: `Run every table in the schema file through broker startup.

Missing tables and indexes are created. Existing tables are accepted when they
have every declared column; otherwise the command fails and nothing after the
failing table is applied.

Example:
  asyncdb schema apply --dsn ./app.db schema.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := schema.Load(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load schema", err)
			}
			s, err := openSession(cmd, opts, broker.WithTables(f.Tables...))
			if err != nil {
				return err
			}
			defer s.stop()

			names := make([]string, 0, len(f.Tables))
			for _, t := range f.Tables {
				names = append(names, t.Name)
			}
			s.log.Info("schema applied", "tables", len(names))
			return s.finish(names, nil)
		},
	}
}

func newSchemaDDLCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ddl <schema.yaml>",
		Short: "Print the DDL a schema file produces, without connecting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := schema.Load(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load schema", err)
			}
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			d, err := driver.Lookup(cfg.Driver)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid driver", err)
			}

			var stmts []string
			for _, t := range f.Tables {
				stmts = append(stmts, d.CreateTableSQL(t))
				for _, idx := range t.Indexes {
					stmts = append(stmts, d.CreateIndexSQL(t, idx))
				}
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(stmts)
		},
	}
}
