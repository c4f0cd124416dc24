package config

import "github.com/sirupsen/logrus"

type Config interface {
	DeviceAddress() string
	Adapter() string
	MaxRetries() int
	AllowNonRootAccess() bool
	AutoConnect() bool
	SyncSchedule() string

	SetDeviceAddress(string)
	SetAdapter(string)
	SetMaxRetries(int)
	SetAllowNonRootAccess(bool)
	SetAutoConnect(bool)
	SetSyncSchedule(string)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error

	// LogrusFields exposes the effective settings for structured logging.
	LogrusFields() logrus.Fields
}
