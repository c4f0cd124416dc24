package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewMaxRetriesCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "max-retries [count]",
		Short:   "Set the connect retry budget",
		GroupID: gAdvanced,
		Long: `Set how many times the daemon retries a failed connection attempt before giving up.

This only applies to connections started by "tetherd connect" or auto-connect. Reconnects after an established connection drops are retried indefinitely.`,
		RunE: func(_ *cobra.Command, args []string) error {
			retries, err := parseIntArg(args, "max retries")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetMaxRetries(retries)
			if err != nil {
				return fmt.Errorf("failed to set max retries: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			logrus.Infof("successfully set max retries to %d", retries)

			return nil
		},
	}
}

func NewNonRootAccessCommand() *cobra.Command {
	return newEnableDisableCommand(
		"non-root-access",
		"non-root access to the daemon",
		`Control whether non-root users can access the tetherd daemon.

By default only root can talk to the daemon socket. Enabling this loosens the socket permissions so any user can run tetherd commands without sudo.`,
		func() (string, error) {
			return apiClient.SetAllowNonRootAccess(true)
		},
		func() (string, error) {
			return apiClient.SetAllowNonRootAccess(false)
		},
	)
}

func NewEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "events",
		Short:   "Stream daemon events",
		GroupID: gAdvanced,
		Long: `Stream device status changes and synchronization events from the daemon.

Prints one line per event until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ch := apiClient.SubscribeEvents(cmd.Context())
			for ev := range ch {
				cmd.Printf("%s %s\n", ev.Name, string(ev.Data))
			}
			return nil
		},
	}
}
