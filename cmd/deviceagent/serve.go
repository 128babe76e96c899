package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var flagDevices []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task scheduler and device discovery until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			agent, err := openAgent()
			if err != nil {
				return err
			}
			defer agent.Close()

			for _, serial := range flagDevices {
				if _, err := agent.RegisterDevice(serial, "", ""); err != nil {
					return err
				}
				connectCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				if _, err := agent.Connect(connectCtx, serial, 0); err != nil {
					log.Warn().Err(err).Str("serial", serial).Msg("initial connect failed, scheduler will retry")
				}
				cancel()
			}
			log.Info().Strs("devices", flagDevices).Msg("starting deviceagent")
			return agent.Serve(ctx)
		},
	}
	cmd.Flags().StringSliceVar(&flagDevices, "device", nil, "Device serial to register and connect at startup (repeatable)")
	return cmd
}
