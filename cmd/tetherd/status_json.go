package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherd/tetherd/pkg/config"
)

type statusJSON struct {
	Device        statusDeviceJSON            `json:"device"`
	Storage       map[string]statusVolumeJSON `json:"storage,omitempty"`
	// Schedule is omitted when no synchronization schedule is set.
	Schedule      *statusScheduleJSON         `json:"schedule,omitempty"`
	Configuration statusConfigJSON            `json:"configuration"`
}

type statusDeviceJSON struct {
	Address         string `json:"address"`
	Status          string `json:"status"`
	LinkState       string `json:"linkState"`
	Attempts        int    `json:"attempts"`
	MaxRetries      int    `json:"maxRetries"`
	BatteryPercent  *int   `json:"batteryPercent"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

type statusVolumeJSON struct {
	TotalBytes uint64 `json:"totalBytes"`
	FreeBytes  uint64 `json:"freeBytes"`
}

type statusScheduleJSON struct {
	Expression string     `json:"expression"`
	NextRun    *time.Time `json:"nextRun,omitempty"`
}

type statusConfigJSON struct {
	Adapter            string `json:"adapter,omitempty"`
	MaxRetries         int    `json:"maxRetries"`
	AutoConnect        bool   `json:"autoConnect"`
	AllowNonRootAccess bool   `json:"allowNonRootAccess"`
}

func printStatusJSON(cmd *cobra.Command, data *statusData, cfg *config.File) error {
	out := statusJSON{
		Device: statusDeviceJSON{
			Address:        cfg.DeviceAddress(),
			Status:         string(data.snapshot.Status),
			LinkState:      data.snapshot.LinkState,
			Attempts:       data.snapshot.Attempts,
			MaxRetries:     data.snapshot.MaxRetries,
			BatteryPercent: data.deviceInfo.Battery,
		},
		Configuration: statusConfigJSON{
			Adapter:            cfg.Adapter(),
			MaxRetries:         cfg.MaxRetries(),
			AutoConnect:        cfg.AutoConnect(),
			AllowNonRootAccess: cfg.AllowNonRootAccess(),
		},
	}

	if data.deviceInfo.ProtocolVersion != nil {
		out.Device.ProtocolVersion = data.deviceInfo.ProtocolVersion.String()
	}

	if len(data.storageInfo) > 0 {
		out.Storage = make(map[string]statusVolumeJSON, len(data.storageInfo))
		for vol, stats := range data.storageInfo {
			out.Storage[string(vol)] = statusVolumeJSON{
				TotalBytes: stats.Total,
				FreeBytes:  stats.Free,
			}
		}
	}

	if data.schedule.Active && data.schedule.Expression != "" {
		sched := &statusScheduleJSON{
			Expression: data.schedule.Expression,
		}
		if data.schedule.NextRun != 0 {
			next := time.Unix(data.schedule.NextRun, 0)
			sched.NextRun = &next
		}
		out.Schedule = sched
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
