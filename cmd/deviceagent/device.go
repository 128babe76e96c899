package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect and control device connections",
	}
	cmd.AddCommand(
		newDeviceStatusCmd(),
		newDeviceConnectCmd(),
		newDeviceDisconnectCmd(),
		newDeviceScreenshotCmd(),
	)
	return cmd
}

func newDeviceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List attached devices and their connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := openAgent()
			if err != nil {
				return err
			}
			defer agent.Close()
			if err := agent.RefreshDevices(cmd.Context()); err != nil {
				log.Warn().Err(err).Msg("device discovery unavailable, showing known devices only")
			}
			return printJSON(agent.Statuses())
		},
	}
}

func newDeviceConnectCmd() *cobra.Command {
	var (
		flagAddress string
		flagTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "connect <serial>",
		Short: "Connect to a device and probe its automation bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := openAgent()
			if err != nil {
				return err
			}
			defer agent.Close()
			if _, err := agent.RegisterDevice(args[0], "", flagAddress); err != nil {
				return err
			}
			info, err := agent.Connect(cmd.Context(), args[0], flagTimeout)
			if perr := printJSON(info); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&flagAddress, "address", "", "Bridge host (default derived from the serial)")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "Per-attempt connect timeout (default from DEVICEAGENT_CONNECT_TIMEOUT)")
	return cmd
}

func newDeviceDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <serial>",
		Short: "Tear down the automation bridge of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := openAgent()
			if err != nil {
				return err
			}
			defer agent.Close()
			if _, err := agent.RegisterDevice(args[0], "", ""); err != nil {
				return err
			}
			return agent.Disconnect(args[0])
		},
	}
}

func newDeviceScreenshotCmd() *cobra.Command {
	var flagOutput string
	cmd := &cobra.Command{
		Use:   "screenshot <serial>",
		Short: "Capture a PNG screenshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagOutput == "" {
				return errors.New("--output must be provided")
			}
			agent, err := openAgent()
			if err != nil {
				return err
			}
			defer agent.Close()
			raw, err := agent.ScreenshotBytes(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return errors.Wrap(os.WriteFile(flagOutput, raw, 0o644), "write screenshot")
		},
	}
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "Output PNG path")
	return cmd
}
