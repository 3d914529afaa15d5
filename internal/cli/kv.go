package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/asyncdb/internal/broker"
	"github.com/roach88/asyncdb/internal/items"
)

// KVOptions holds flags for the kv command group.
type KVOptions struct {
	*RootOptions
	Table string

	// Generator overrides the identifier source of "kv id" (for testing).
	Generator items.Generator
}

// NewKVCommand creates the kv command group.
func NewKVCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KVOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write name:value items",
		Long: `Read and write name:value items in one table.

The table is created on first use with a TEXT primary key and a TEXT value.`,
	}
	cmd.PersistentFlags().StringVar(&opts.Table, "table", "items", "items table name")

	cmd.AddCommand(kvCommand(opts, "get <name>", "Print the value of an item", cobra.ExactArgs(1),
		func(s *session, st *items.Store, args []string) (any, error) {
			it, err := st.Load(s.ctx, args[0]).Await(s.ctx)
			if err != nil {
				return nil, err
			}
			if !it.Found {
				return nil, NewExitError(ExitFailure, "item "+it.Name+" not found")
			}
			return it.Value, nil
		}))

	cmd.AddCommand(kvCommand(opts, "set <name> <value>", "Insert or overwrite an item", cobra.ExactArgs(2),
		func(s *session, st *items.Store, args []string) (any, error) {
			_, err := st.Set(s.ctx, args[0], args[1]).Await(s.ctx)
			return args[0], err
		}))

	cmd.AddCommand(kvCommand(opts, "id <name>", "Print the identifier stored under a name, creating it if new", cobra.ExactArgs(1),
		func(s *session, st *items.Store, args []string) (any, error) {
			return st.SetNameValue(s.ctx, args[0]).Await(s.ctx)
		}))

	cmd.AddCommand(kvCommand(opts, "names", "List item names", cobra.NoArgs,
		func(s *session, st *items.Store, _ []string) (any, error) {
			names, err := st.Names(s.ctx).Await(s.ctx)
			if names == nil {
				names = []string{}
			}
			return names, err
		}))

	cmd.AddCommand(kvCommand(opts, "delete <name>...", "Delete items", cobra.MinimumNArgs(1),
		func(s *session, st *items.Store, args []string) (any, error) {
			return st.Delete(s.ctx, args).Await(s.ctx)
		}))

	return cmd
}

type kvAction func(s *session, st *items.Store, args []string) (any, error)

func kvCommand(opts *KVOptions, use, short string, args cobra.PositionalArgs, action kvAction) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts.RootOptions, broker.WithTables(items.Table(opts.Table)))
			if err != nil {
				return err
			}
			defer s.stop()

			var storeOpts []items.Option
			if opts.Generator != nil {
				storeOpts = append(storeOpts, items.WithGenerator(opts.Generator))
			}
			st, err := items.New(s.broker, opts.Table, storeOpts...)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid table", err)
			}

			data, err := action(s, st, args)
			return s.finish(data, err)
		},
	}
}
