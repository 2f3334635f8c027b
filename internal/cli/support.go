package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"bgbyebye/internal/config"
	"bgbyebye/internal/logging"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <client-id>",
		Short: "Reset a client's entitlement to defaults (support use)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logging.InitWithWriter(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "cli"}, cmd.ErrOrStderr())

			svc, cleanup, err := buildService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			state, err := svc.Reset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, state)
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <client-id> <session-id>",
		Short: "Verify a checkout session for a client and apply the grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logging.InitWithWriter(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "cli"}, cmd.ErrOrStderr())

			svc, cleanup, err := buildService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := svc.VerifySession(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

// newHashKeyCmd 生成 SUPPORT_KEY_HASH
func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <key>",
		Short: "Print the bcrypt hash for a support key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args[0]) < 8 {
				return errors.New("support key must be at least 8 characters")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
