package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nuln/agentdb"
)

func output(cmd *cobra.Command, v any) error {
	return json.NewEncoder(cmd.OutOrStdout()).Encode(v)
}

// withDB opens the configured backend for the duration of fn.
func withDB(g *globals, fn func(cmd *cobra.Command, db *agentdb.DB, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := g.open(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		return fn(cmd, db, args)
	}
}

func driversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List registered drivers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range agentdb.Drivers() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

type capsOutput struct {
	Family       string          `json:"family"`
	Transactions bool            `json:"transactions"`
	Indexes      bool            `json:"indexes"`
	MaxKeySize   int             `json:"maxKeySize,omitempty"`
	MaxValueSize int             `json:"maxValueSize,omitempty"`
	Features     map[string]bool `json:"features"`
}

func capsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Show the backend's capabilities",
		Args:  cobra.NoArgs,
		RunE: withDB(g, func(cmd *cobra.Command, db *agentdb.DB, args []string) error {
			caps := db.Capabilities()
			return output(cmd, capsOutput{
				Family:       caps.Family().String(),
				Transactions: caps.SupportsTransactions(),
				Indexes:      caps.SupportsIndexes(),
				MaxKeySize:   caps.MaxKeySize(),
				MaxValueSize: caps.MaxValueSize(),
				Features:     caps.Features(),
			})
		}),
	}
}

func putCmd(g *globals) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: withDB(g, func(cmd *cobra.Command, db *agentdb.DB, args []string) error {
			v, err := parseValue(kind, args[1])
			if err != nil {
				return err
			}
			return db.Put(cmd.Context(), args[0], v)
		}),
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "text", "Value kind (null, bool, int, float, text, blob as base64)")
	return cmd
}

func getCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a value",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(g, func(cmd *cobra.Command, db *agentdb.DB, args []string) error {
			v, ok, err := db.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}
			return output(cmd, agentdb.Entry{Key: args[0], Value: v})
		}),
	}
}

func deleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>",
		Aliases: []string{"rm"},
		Short:   "Delete a key",
		Args:    cobra.ExactArgs(1),
		RunE: withDB(g, func(cmd *cobra.Command, db *agentdb.DB, args []string) error {
			return db.Delete(cmd.Context(), args[0])
		}),
	}
}

func scanCmd(g *globals) *cobra.Command {
	var (
		after string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "scan [prefix]",
		Short: "List entries under a prefix, one JSON object per line",
		Args:  cobra.MaximumNArgs(1),
		RunE: withDB(g, func(cmd *cobra.Command, db *agentdb.DB, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			res, err := db.ScanPage(cmd.Context(), prefix, agentdb.ScanOptions{After: after, Limit: limit})
			if err != nil {
				return err
			}
			for _, e := range res.Entries {
				if err := output(cmd, e); err != nil {
					return err
				}
			}
			if res.Truncated {
				cmd.PrintErrf("truncated; continue with --after %q\n", res.Next)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&after, "after", "", "Start after this key")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum entries to print (0 = unlimited)")
	return cmd
}

func queryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "query <statement> [kind:value ...]",
		Short: "Run a native statement with positional parameters",
		Long: `Run a native statement on backends with a SQL surface.

Parameters are bound positionally. Each is written kind:value, for example
int:42, text:Alice or null:. A parameter without a known kind is bound as text.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withDB(g, func(cmd *cobra.Command, db *agentdb.DB, args []string) error {
			params := make([]agentdb.Value, 0, len(args)-1)
			for _, a := range args[1:] {
				v, err := parseParam(a)
				if err != nil {
					return err
				}
				params = append(params, v)
			}
			res, err := db.Query(cmd.Context(), args[0], params...)
			if err != nil {
				return err
			}
			if len(res.Columns) == 0 {
				return output(cmd, map[string]int64{"rowsAffected": res.RowsAffected})
			}
			for _, row := range res.Rows {
				if err := output(cmd, row); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}
