package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tetherd/tetherd/pkg/config"
	daemonutils "github.com/tetherd/tetherd/pkg/utils/daemon"
)

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false
	deviceAddress := ""

	cmd := &cobra.Command{
		Use:     "install",
		Short:   "Install tetherd (system-wide)",
		GroupID: gInstallation,
		Long: `Install tetherd daemon to systemd (system-wide).

This makes tetherd run in the background and automatically start on boot. You must run this command as root.

By default, only root user is allowed to access the tetherd daemon for security reasons. As a result, you will need to run the tetherd client as root to control the device, e.g. starting a synchronization. If you want to allow non-root users, i.e., you, to access the daemon, you can use the --allow-non-root-access flag, so you don't have to use sudo every time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the tetherd daemon.")
			} else {
				logrus.Info("only root user is allowed to access the tetherd daemon.")
			}

			if deviceAddress != "" {
				conf.SetDeviceAddress(deviceAddress)
				logrus.Infof("managed device set to %s", deviceAddress)
			}

			err = daemonutils.Install()
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v. Are you root?", err)
			}

			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("`systemd' will use current binary (%s) at startup so please make sure you do not move this binary. Once this binary is moved or deleted, you will need to run ``tetherd install'' again.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access tetherd daemon.")
	cmd.Flags().StringVar(&deviceAddress, "device", "", "Bluetooth address of the peripheral to manage.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "uninstall",
		Short:   "Uninstall tetherd (system-wide)",
		GroupID: gInstallation,
		Long: `Uninstall tetherd daemon from systemd (system-wide).

This stops tetherd and removes it from systemd. The device pairing is kept; use "tetherd forget" before uninstalling if you want to drop it.

You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := daemonutils.Uninstall()
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			fmt.Println("successfully uninstalled")

			cmd.Printf("Your config is kept in %s, in case you want to use `tetherd' again. If you want a complete uninstall, you can remove both config file and tetherd itself manually.\n", configPath)

			return nil
		},
	}

	return cmd
}
