package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tetherd/tetherd/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		DeviceAddress: ptr.To(""),
		// An empty adapter defaults to hci0.
		Adapter:            ptr.To(""),
		MaxRetries:         ptr.To(3),
		AllowNonRootAccess: ptr.To(false),
		AutoConnect:        ptr.To(true),
		// An empty schedule disables recurring synchronization.
		SyncSchedule: ptr.To(""),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = defaultFileConfig
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	DeviceAddress      *string `json:"deviceAddress,omitempty"`
	Adapter            *string `json:"adapter,omitempty"`
	MaxRetries         *int    `json:"maxRetries,omitempty"`
	AllowNonRootAccess *bool   `json:"allowNonRootAccess,omitempty"`
	AutoConnect        *bool   `json:"autoConnect,omitempty"`
	SyncSchedule       *string `json:"syncSchedule,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		DeviceAddress:      ptr.To(c.DeviceAddress()),
		Adapter:            ptr.To(c.Adapter()),
		MaxRetries:         ptr.To(c.MaxRetries()),
		AllowNonRootAccess: ptr.To(c.AllowNonRootAccess()),
		AutoConnect:        ptr.To(c.AutoConnect()),
		SyncSchedule:       ptr.To(c.SyncSchedule()),
	}

	return rawConfig, nil
}

func (f *File) DeviceAddress() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var addr string

	if f.c.DeviceAddress != nil {
		addr = *f.c.DeviceAddress
	} else {
		addr = *defaultFileConfig.DeviceAddress
	}

	return addr
}

func (f *File) Adapter() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var adapter string

	if f.c.Adapter != nil {
		adapter = *f.c.Adapter
	} else {
		adapter = *defaultFileConfig.Adapter
	}

	return adapter
}

func (f *File) MaxRetries() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var retries int

	if f.c.MaxRetries != nil {
		retries = *f.c.MaxRetries
	} else {
		retries = *defaultFileConfig.MaxRetries
	}

	return retries
}

func (f *File) AllowNonRootAccess() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var allowNonRootAccess bool

	if f.c.AllowNonRootAccess != nil {
		allowNonRootAccess = *f.c.AllowNonRootAccess
	} else {
		allowNonRootAccess = *defaultFileConfig.AllowNonRootAccess
	}

	return allowNonRootAccess
}

func (f *File) AutoConnect() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var autoConnect bool

	if f.c.AutoConnect != nil {
		autoConnect = *f.c.AutoConnect
	} else {
		autoConnect = *defaultFileConfig.AutoConnect
	}

	return autoConnect
}

func (f *File) SyncSchedule() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var schedule string

	if f.c.SyncSchedule != nil {
		schedule = *f.c.SyncSchedule
	} else {
		schedule = *defaultFileConfig.SyncSchedule
	}

	return schedule
}

func (f *File) SetDeviceAddress(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.DeviceAddress = &s
}

func (f *File) SetAdapter(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Adapter = &s
}

func (f *File) SetMaxRetries(i int) {
	if f.c == nil {
		panic("config is nil")
	}

	if i < 0 {
		panic("max retries must not be negative")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.MaxRetries = &i
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

func (f *File) SetAutoConnect(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AutoConnect = &b
}

func (f *File) SetSyncSchedule(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.SyncSchedule = &s
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}
	configString := string(b)

	if strings.TrimSpace(configString) == "" {
		// If the file is empty, return the empty config.
		// Do not make f.c a nil.
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"deviceAddress":      f.DeviceAddress(),
		"adapter":            f.Adapter(),
		"maxRetries":         f.MaxRetries(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
		"autoConnect":        f.AutoConnect(),
		"syncSchedule":       f.SyncSchedule(),
	}
}
