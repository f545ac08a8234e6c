package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"conduct-integrity-service/config"
	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/repository"
	"conduct-integrity-service/internal/usecase"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Maintain server-side session tokens",
	}
	cmd.AddCommand(sessionsIssueCmd())
	cmd.AddCommand(sessionsSweepCmd())
	return cmd
}

// sessionsIssueCmd は --user と --role のセッションを発行し、生のトークンを一度だけ表示する。
func sessionsIssueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token for --user with --role (direct DB)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || role == "" {
				return fmt.Errorf("--user and --role are required (or set KEYCTL_USER and KEYCTL_ROLE)")
			}
			db, cfg, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(db)

			tx := repository.NewTxManager(db)
			audit := usecase.NewAuditService(repository.NewAuditRepository(db), tx)
			svc := usecase.NewSessionService(repository.NewSessionRepository(db), tx, audit, sessionPolicy(cfg))
			issued, err := svc.CreateSession(cmd.Context(), userID, role, domain.ClientMetadata{UserAgent: "keyctl/" + version})
			if err != nil {
				return err
			}
			if output == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"user_id": userID, "role": role, "token": issued})
			}
			fmt.Fprintln(cmd.OutOrStdout(), issued)
			return nil
		},
	}
}

// sessionPolicy は設定値からセッション発行ポリシーを組み立てる。
func sessionPolicy(cfg *config.Config) usecase.SessionPolicy {
	return usecase.SessionPolicy{
		SingleActive:  cfg.SessionPolicy == config.SessionPolicySingle,
		MaxConcurrent: cfg.SessionMaxConcurrent,
		TTL:           cfg.SessionTTL,
		Retention:     cfg.SessionRetention,
	}
}

// sessionsSweepCmd は保持期間を過ぎた期限切れ・失効済みトークンを削除する。
func sessionsSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired and revoked session tokens past SESSION_RETENTION",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(db)

			svc := usecase.NewSessionService(
				repository.NewSessionRepository(db),
				repository.NewTxManager(db),
				nil,
				sessionPolicy(cfg),
			)
			n, err := svc.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d stale session token(s).\n", n)
			return nil
		},
	}
}
