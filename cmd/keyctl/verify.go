package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type verification struct {
	ScoreID string `json:"score_id"`
	Status  string `json:"status"`
	KeyID   string `json:"key_id"`
	Details string `json:"details"`
}

// verifyCmd は署名検証コマンド。--score 未指定なら現行の署名を一括検証する。
func verifyCmd() *cobra.Command {
	var scoreID string
	var limit int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify conduct score signatures",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scoreID != "" {
				return verifyOne(cmd, scoreID)
			}
			return verifyAll(cmd, limit)
		},
	}
	cmd.Flags().StringVar(&scoreID, "score", "", "Score ID (omit to verify all current signatures)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of signatures to verify")
	return cmd
}

func verifyOne(cmd *cobra.Command, scoreID string) error {
	body, err := apiRequest(http.MethodGet, "/v1/scores/"+url.PathEscape(scoreID)+"/verification", nil, http.StatusOK)
	if err != nil {
		return err
	}
	if output == "json" {
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	}
	var v verification
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", v.ScoreID, v.Status, v.Details)
	if v.Status == "TAMPERED" {
		return fmt.Errorf("tampering detected for score %s", v.ScoreID)
	}
	return nil
}

func verifyAll(cmd *cobra.Command, limit int) error {
	path := "/v1/scores/verify"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	body, err := apiRequest(http.MethodPost, path, nil, http.StatusOK)
	if err != nil {
		return err
	}
	if output == "json" {
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	}
	var result struct {
		Results  []verification `json:"results"`
		Tampered int            `json:"tampered"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SCORE\tSTATUS\tKEY\tDETAILS")
	for _, v := range result.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ScoreID, v.Status, v.KeyID, v.Details)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d verified, %d tampered\n", len(result.Results), result.Tampered)
	if result.Tampered > 0 {
		return fmt.Errorf("tampering detected in %d score(s)", result.Tampered)
	}
	return nil
}
