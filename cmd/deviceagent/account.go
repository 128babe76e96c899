package main

import (
	"github.com/httprunner/DeviceAgent/internal/tasks"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage login credentials",
	}
	cmd.AddCommand(newAccountPutCmd())
	return cmd
}

func newAccountPutCmd() *cobra.Command {
	var acc tasks.Account
	cmd := &cobra.Command{
		Use:   "put <ref>",
		Short: "Store or replace the credentials behind an account reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acc.Ref = args[0]
			agent, err := openAgent()
			if err != nil {
				return err
			}
			defer agent.Close()
			if err := agent.PutAccount(cmd.Context(), acc); err != nil {
				return err
			}
			log.Info().Str("account", acc.Ref).Str("app", acc.App).Msg("account stored")
			return nil
		},
	}
	cmd.Flags().StringVar(&acc.Username, "username", "", "Login username")
	cmd.Flags().StringVar(&acc.Password, "password", "", "Login password")
	cmd.Flags().StringVar(&acc.SecondFactorSecret, "totp-secret", "", "Base32 TOTP secret for second-factor codes")
	cmd.Flags().StringVar(&acc.App, "app", "", "Target application package")
	cmd.Flags().StringSliceVar(&acc.AppVariants, "app-variant", nil, "Alternative packages of the same app to stop (repeatable)")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}
