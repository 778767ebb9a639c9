package main

import (
	"encoding/json"
	"time"

	"LedgerFlow/internal/auth"

	"github.com/spf13/cobra"
)

func (c *cli) tokenCommand() *cobra.Command {
	var (
		perms []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "签发 API 访问令牌（需要 auth.mode=jwt）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := auth.NewService(c.cfg.Auth)
			if err != nil {
				return err
			}
			token, expires, err := svc.Issue(args[0], perms, ttl)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_at":   expires.UTC().Format(time.RFC3339),
				"permissions":  perms,
			})
		},
	}
	cmd.Flags().StringSliceVar(&perms, "perm", auth.AllPermissions, "授予的权限，可重复指定")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "令牌有效期，默认取 auth.access_ttl")
	return cmd
}
