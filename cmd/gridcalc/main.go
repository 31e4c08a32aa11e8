// Command gridcalc is a small operational CLI over the formula
// coordination layer: inspect tables, write cell values or formulas, and
// trigger recalculation passes against a SQLite-backed grid.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/javajack/gridcalc"
	"github.com/javajack/gridcalc/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	dbPath     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "gridcalc",
		Short:         "Formula coordination over a SQLite grid",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "path to SQLite database (overrides config)")

	cmd.AddCommand(newTablesCommand(opts))
	cmd.AddCommand(newSetCommand(opts))
	cmd.AddCommand(newRecalcCommand(opts))
	return cmd
}

// open loads config, opens the store and builds a service.
func open(opts *rootOptions) (*store.DB, *gridcalc.Service, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.dbPath != "" {
		cfg.DB = opts.dbPath
	}
	if cfg.DB == "" {
		return nil, nil, fmt.Errorf("no database path: pass --db or set db in the config file")
	}
	db, err := store.Open(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	svc := gridcalc.NewService(db, cfg.serviceOptions()...)
	return db, svc, nil
}

func newTablesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List non-archived tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, svc, err := open(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			defer svc.Close()

			tables, err := db.ListTables(context.Background())
			if err != nil {
				return err
			}
			for _, t := range tables {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", t.ID, t.Name)
			}
			return nil
		},
	}
}

func newSetCommand(opts *rootOptions) *cobra.Command {
	var formula string

	cmd := &cobra.Command{
		Use:   "set <table-id> <row-id> <column-id> [value]",
		Short: "Write a cell value or formula",
		Long: `Write a cell. With --formula the text is written as a formula
(cross-table and [ColumnName] references are resolved); otherwise the
positional argument is written as a literal value.

Example:
  gridcalc set --db grid.db 1 3 2 42.5
  gridcalc set --db grid.db 1 3 2 --formula '=[Price]*0.19'`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[:3])
			if err != nil {
				return err
			}
			req := gridcalc.UpdateRequest{TableID: ids[0], RowID: ids[1], ColumnID: ids[2], Formula: formula}
			if formula == "" {
				if len(args) < 4 {
					return fmt.Errorf("a value argument or --formula is required")
				}
				req.Value = args[3]
			}

			db, svc, err := open(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			defer svc.Close()

			resp, err := svc.UpdateCell(context.Background(), req)
			if err != nil {
				return err
			}
			if resp.ErrorCode != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "error code: %s (v%d)\n", resp.ErrorCode, resp.CalcVersion)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "value: %s (v%d)\n", resp.Value, resp.CalcVersion)
			}
			for _, ac := range resp.Affected {
				fmt.Fprintf(cmd.OutOrStdout(), "affected: table %d row %d col %d → %s%s\n",
					ac.TableID, ac.RowID, ac.ColumnID, ac.Value, ac.ErrorCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&formula, "formula", "", "formula text to write instead of a value")
	return cmd
}

func newRecalcCommand(opts *rootOptions) *cobra.Command {
	var (
		forceAll bool
		selectBy string
		maxCells int
	)

	cmd := &cobra.Command{
		Use:   "recalc <table-id>",
		Short: "Re-evaluate volatile (or all) formula cells",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tableID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("table id %q: %w", args[0], err)
			}

			db, svc, err := open(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			defer svc.Close()

			summary, err := svc.Recalculate(context.Background(), tableID, gridcalc.RecalcOptions{
				ForceAll:        forceAll,
				IncludeVolatile: true,
				MaxCells:        maxCells,
				Select:          selectBy,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"total=%d processed=%d volatile=%d changed=%d errors=%d duration=%s\n",
				summary.TotalCells, summary.ProcessedCells, summary.VolatileCells,
				summary.ChangedCells, summary.ErrorCells, summary.Duration)
			return nil
		},
	}
	cmd.Flags().BoolVar(&forceAll, "all", false, "re-evaluate every formula cell, not just volatile ones")
	cmd.Flags().StringVar(&selectBy, "select", "", "row predicate over column values, e.g. 'Price > 100'")
	cmd.Flags().IntVar(&maxCells, "max-cells", 0, "cell ceiling for this pass (0 = configured default)")
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	out := make([]int64, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("id %q: %w", a, err)
		}
		out[i] = v
	}
	return out, nil
}
