package cmd

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"strata/storage"
)

// queryOutput is the machine-readable form of a query result
type queryOutput struct {
	Columns      []storage.Column      `json:"columns" yaml:"columns"`
	Rows         []map[string]any      `json:"rows" yaml:"rows"`
	RowsAffected int64                 `json:"rows_affected" yaml:"rows_affected"`
	LastInsertID int64                 `json:"last_insert_id" yaml:"last_insert_id"`
	Metrics      *storage.QueryMetrics `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

func newQueryCmd() *cobra.Command {
	var (
		params      []string
		fetch       string
		showMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "query <statement>",
		Short: "Run one SQL statement through the connection pool",
		Long: `Run one SQL statement with positional parameters.

Parameters bind to ? placeholders in order. Integers and floats are bound
as numbers, NULL binds a null and anything else binds as text.`,
		Example: `  strata query "SELECT id, name FROM workflows"
  strata query "INSERT INTO workflows (id, name, definition) VALUES (?, ?, ?)" -p wf-1 -p nightly -p '{}' --fetch none
  strata query "SELECT * FROM workflow_runs WHERE workflow_id = ?" -p wf-1 --fetch one -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := storage.ParseFetchMode(fetch)
			if err != nil {
				return err
			}

			bound := make([]any, len(params))
			for i, p := range params {
				bound[i] = parseParam(p)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			s, err := openSession(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.manager.ExecuteQuery(ctx, args[0], bound, mode)
			if err != nil {
				return err
			}

			out := queryOutput{
				Columns:      res.Columns,
				Rows:         res.Maps(),
				RowsAffected: res.RowsAffected,
				LastInsertID: res.LastInsertID,
			}
			if showMetrics {
				if history := s.manager.QueryMetrics(); len(history) > 0 {
					last := history[len(history)-1]
					out.Metrics = &last
				}
			}

			return render(cmd.OutOrStdout(), out, func(w io.Writer) {
				renderResultTable(w, res)
				if out.Metrics != nil {
					renderQueryMetrics(w, *out.Metrics)
				}
			})
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Positional parameter (repeatable)")
	cmd.Flags().StringVar(&fetch, "fetch", "all", "Fetch mode: all, one, many or none")
	cmd.Flags().BoolVar(&showMetrics, "show-metrics", false, "Print the metrics recorded for the statement")

	return cmd
}

// parseParam binds a command-line parameter as int64, float64, nil or text.
// Leading zeros stay text so identifiers like "007" survive.
func parseParam(raw string) any {
	if strings.EqualFold(raw, "null") {
		return nil
	}
	if len(raw) > 1 && raw[0] == '0' && !strings.ContainsAny(raw, ".eE") {
		return raw
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !strings.ContainsAny(raw, "xXnN") {
		return f
	}
	return raw
}
