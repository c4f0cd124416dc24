package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tetherd/tetherd/pkg/client"
	"github.com/tetherd/tetherd/pkg/config"
	"github.com/tetherd/tetherd/pkg/device"
	"github.com/tetherd/tetherd/pkg/rpc"
)

type statusData struct {
	snapshot    *device.Snapshot
	deviceInfo  *rpc.DeviceInfoSnapshot
	storageInfo map[rpc.Volume]rpc.VolumeStats
	schedule    *client.ScheduleStatus
	config      *config.RawFileConfig
}

var apiClient *client.Client

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	snap, err := apiClient.GetStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get device status: %w", err)
	}

	info, err := apiClient.GetDeviceInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get device info: %w", err)
	}

	storage, err := apiClient.GetStorageInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get storage info: %w", err)
	}

	sched, err := apiClient.GetSchedule()
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	conf, err := apiClient.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return &statusData{
		snapshot:    snap,
		deviceInfo:  info,
		storageInfo: storage,
		schedule:    sched,
		config:      conf,
	}, nil
}

func NewStatusCommand() *cobra.Command {
	jsonOutput := false

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of tetherd",
		Long:    `Get device status, device info, storage info, and configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Get various info first.
			data, err := fetchStatusData()
			if err != nil {
				return err
			}

			config := config.NewFileFromConfig(data.config, "")

			if jsonOutput {
				return printStatusJSON(cmd, data, config)
			}

			// Device status.
			cmd.Println(bold("Device status:"))

			cmd.Printf("  Address: %s\n", bold("%s", orUnset(config.DeviceAddress())))
			cmd.Printf("  Status: %s\n", statusText(data.snapshot.Status))
			cmd.Printf("  Link: %s\n", bold("%s", data.snapshot.LinkState))
			if data.snapshot.Status == device.StatusConnecting {
				cmd.Printf("  Connection attempt: %s\n", bold("%d of %d", data.snapshot.Attempts, data.snapshot.MaxRetries))
			}
			switch data.snapshot.Status {
			case device.StatusFailed:
				cmd.Println("    The retry budget is exhausted. Run \"tetherd connect\" to try again.")
			case device.StatusPairingIssue:
				cmd.Println("    Pairing failed. Run \"tetherd forget\" to drop the bond, then \"tetherd connect\" to pair again.")
			case device.StatusUnsupported:
				cmd.Println("    The device does not speak a supported protocol version.")
			}

			cmd.Println()

			// Device info.
			cmd.Println(bold("Device info:"))
			if data.deviceInfo.Battery != nil {
				cmd.Printf("  Battery: %s\n", bold("%d%%", *data.deviceInfo.Battery))
			} else {
				cmd.Println("  Battery: unknown")
			}
			if data.deviceInfo.ProtocolVersion != nil {
				cmd.Printf("  Protocol version: %s\n", bold("%s", data.deviceInfo.ProtocolVersion.String()))
			} else {
				cmd.Println("  Protocol version: unknown")
			}

			if len(data.storageInfo) > 0 {
				cmd.Println()
				cmd.Println(bold("Storage:"))
				for _, vol := range []rpc.Volume{rpc.VolumeInternal, rpc.VolumeExternal} {
					stats, ok := data.storageInfo[vol]
					if !ok {
						continue
					}
					cmd.Printf("  %s: %s free of %s\n", vol, bold("%s", formatBytes(stats.Free)), bold("%s", formatBytes(stats.Total)))
				}
			}

			cmd.Println()

			// Schedule.
			cmd.Println(bold("Synchronization schedule:"))
			if data.schedule.Active && data.schedule.Expression != "" {
				cmd.Printf("  Expression: %s\n", bold("%s", data.schedule.Expression))
				if data.schedule.NextRun != 0 {
					next := time.Unix(data.schedule.NextRun, 0).Local()
					cmd.Printf("  Next run: %s\n", bold("%s", next.Format(time.DateTime)))
				}
			} else {
				cmd.Println("  Not set.")
			}

			cmd.Println()

			// Config.
			cmd.Println(bold("Configuration:"))
			cmd.Printf("  Adapter: %s\n", orUnset(config.Adapter()))
			cmd.Printf("  Max connect retries: %s\n", bold("%d", config.MaxRetries()))
			cmd.Printf("  Auto-connect on startup: %s\n", bool2Text(config.AutoConnect()))
			cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(config.AllowNonRootAccess()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")

	return cmd
}

// statusText colors the device status: green for healthy steady states, red
// for terminal failures, plain for everything in between.
func statusText(s device.Status) string {
	switch s {
	case device.StatusConnected, device.StatusSynchronized:
		return color.New(color.Bold, color.FgGreen).Sprint(string(s))
	case device.StatusFailed, device.StatusPairingIssue, device.StatusUnsupported:
		return color.New(color.Bold, color.FgRed).Sprint(string(s))
	default:
		return bold("%s", string(s))
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
