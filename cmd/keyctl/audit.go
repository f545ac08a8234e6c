package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(auditSummaryCmd())
	return cmd
}

// auditSummaryCmd は日別集計の表示コマンド。
func auditSummaryCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show daily audit counts per table and operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/audit/summary"
			if days > 0 {
				path += fmt.Sprintf("?days=%d", days)
			}
			body, err := apiRequest(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result struct {
				Days int `json:"days"`
				Rows []struct {
					Date           string `json:"date"`
					TableName      string `json:"table_name"`
					Operation      string `json:"operation"`
					Count          int64  `json:"count"`
					DistinctActors int64  `json:"distinct_actors"`
				} `json:"rows"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "DATE\tTABLE\tOPERATION\tCOUNT\tACTORS")
			for _, r := range result.Rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", r.Date, r.TableName, r.Operation, r.Count, r.DistinctActors)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Number of days including today (server default if omitted)")
	return cmd
}
