package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tetherd/tetherd/pkg/config"
	"github.com/tetherd/tetherd/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewDeviceCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "device [address]",
		Short:   "Set the peripheral to manage",
		GroupID: gBasic,
		Long: `Set the Bluetooth address of the peripheral tetherd manages.

The address is written to the config file. The daemon picks it up on restart, or when sent SIGHUP.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			conf.SetDeviceAddress(args[0])
			if err := conf.Save(); err != nil {
				return fmt.Errorf("failed to save config: %v", err)
			}

			logrus.Infof("device address set to %s. Restart the daemon (or send it SIGHUP) to apply.", args[0])

			return nil
		},
	}
}

func NewConnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "connect",
		Short:   "Connect to the managed peripheral",
		GroupID: gBasic,
		Long: `Connect to the managed peripheral.

Pairs first if the peripheral is not paired yet. The connection attempt runs in the background; use "tetherd status" or "tetherd events" to follow it.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.Connect()
			if err != nil {
				return fmt.Errorf("failed to connect: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			logrus.Infof("connection requested")

			return nil
		},
	}
}

func NewDisconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "disconnect",
		Short:   "Disconnect from the managed peripheral",
		GroupID: gBasic,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.Disconnect()
			if err != nil {
				return fmt.Errorf("failed to disconnect: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			logrus.Infof("disconnect requested")

			return nil
		},
	}
}

func NewForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "forget",
		Short:   "Remove the pairing with the managed peripheral",
		GroupID: gBasic,
		Long: `Remove the pairing with the managed peripheral.

This drops the bond from the adapter. The peripheral must be paired again before it can be used. Useful to recover from a pairing failure.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.Forget()
			if err != nil {
				return fmt.Errorf("failed to forget device: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			logrus.Infof("pairing removed")

			return nil
		},
	}
}

func NewSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		Short:   "Start an archive synchronization run",
		GroupID: gBasic,
		Long: `Start an archive synchronization run on the connected peripheral.

The run is asynchronous; use "tetherd status" or "tetherd events" to follow it. The daemon refuses to start a run when the peripheral is not connected or a run is already in progress.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			started, err := apiClient.Synchronize()
			if err != nil {
				return fmt.Errorf("failed to start synchronization: %v", err)
			}

			if !started {
				return fmt.Errorf("synchronization was not started (device not connected, unsupported, or a run is already in progress)")
			}

			logrus.Infof("synchronization started")

			return nil
		},
	}
}
