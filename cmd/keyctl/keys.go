package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// keyMetadata は鍵メタデータのレスポンス。
type keyMetadata struct {
	KeyID           string  `json:"key_id"`
	Generation      uint    `json:"generation"`
	Active          bool    `json:"active"`
	SupersededBy    *string `json:"superseded_by"`
	CreatedAt       string  `json:"created_at"`
	EncryptedFields *int64  `json:"encrypted_fields"`
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing and encryption key pairs",
	}
	cmd.AddCommand(rotateCmd())
	cmd.AddCommand(listCmd())
	return cmd
}

// rotateCmd は鍵のローテーションコマンド。
func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new key pair and retire the current one",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := apiRequest(http.MethodPost, "/v1/keys/rotate", nil, http.StatusCreated)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var k keyMetadata
			if err := json.Unmarshal(body, &k); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotated key (new key: %s, generation: %d)\n", k.KeyID, k.Generation)
			return nil
		},
	}
}

// listCmd は鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all key pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := apiRequest(http.MethodGet, "/v1/keys", nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result struct {
				Keys []keyMetadata `json:"keys"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "KEY\tSTATUS\tSUPERSEDED BY\tFIELDS\tCREATED AT")
			for _, k := range result.Keys {
				status := "retired"
				if k.Active {
					status = "active"
				}
				superseded := "-"
				if k.SupersededBy != nil {
					superseded = *k.SupersededBy
				}
				fields := "-"
				if k.EncryptedFields != nil {
					fields = fmt.Sprint(*k.EncryptedFields)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k.KeyID, status, superseded, fields, k.CreatedAt)
			}
			return w.Flush()
		},
	}
}
