package client

import (
	"encoding/json"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/tetherd/tetherd/pkg/config"
	"github.com/tetherd/tetherd/pkg/device"
	"github.com/tetherd/tetherd/pkg/rpc"
)

func (c *Client) GetStatus() (*device.Snapshot, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get device status")
	}

	var snap device.Snapshot
	if err := json.Unmarshal([]byte(ret), &snap); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal device status")
	}

	return &snap, nil
}

func (c *Client) Connect() (string, error) {
	return c.Post("/connect", "")
}

func (c *Client) Disconnect() (string, error) {
	return c.Post("/disconnect", "")
}

func (c *Client) Forget() (string, error) {
	return c.Post("/forget", "")
}

// Synchronize asks the daemon to start an archive synchronization run. It
// returns whether a run was actually started; false means the coordinator
// rejected it (not connected, unsupported device, or already running).
func (c *Client) Synchronize() (bool, error) {
	ret, err := c.Post("/synchronize", "")
	if err != nil {
		return false, pkgerrors.Wrapf(err, "failed to request synchronization")
	}
	return parseBoolResponse(ret)
}

func (c *Client) GetDeviceInfo() (*rpc.DeviceInfoSnapshot, error) {
	ret, err := c.Get("/device-info")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get device info")
	}

	var info rpc.DeviceInfoSnapshot
	if err := json.Unmarshal([]byte(ret), &info); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal device info")
	}

	return &info, nil
}

func (c *Client) GetStorageInfo() (map[rpc.Volume]rpc.VolumeStats, error) {
	ret, err := c.Get("/storage-info")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get storage info")
	}

	var stats map[rpc.Volume]rpc.VolumeStats
	if err := json.Unmarshal([]byte(ret), &stats); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal storage info")
	}

	return stats, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

func (c *Client) SetMaxRetries(n int) (string, error) {
	return c.Put("/max-retries", strconv.Itoa(n))
}

func (c *Client) SetAllowNonRootAccess(allowed bool) (string, error) {
	return c.Put("/allow-non-root", strconv.FormatBool(allowed))
}

// ScheduleStatus mirrors the daemon's GET /schedule response.
type ScheduleStatus struct {
	Expression string `json:"expression,omitempty"`
	NextRun    int64  `json:"nextRun,omitempty"`
	Active     bool   `json:"active"`
}

func (c *Client) GetSchedule() (*ScheduleStatus, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get schedule")
	}

	var st ScheduleStatus
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}

	return &st, nil
}

func (c *Client) SetSchedule(cronExpr string) (string, error) {
	payload, err := json.Marshal(cronExpr)
	if err != nil {
		return "", err
	}
	return c.Put("/schedule", string(payload))
}

func (c *Client) UnsetSchedule() (string, error) {
	return c.Delete("/schedule")
}

func (c *Client) SkipSchedule() (string, error) {
	return c.Post("/schedule/skip", "")
}

func (c *Client) PostponeSchedule(d time.Duration) (string, error) {
	payload, err := json.Marshal(d.String())
	if err != nil {
		return "", err
	}
	return c.Post("/schedule/postpone", string(payload))
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	// Remove "" around JSON string. I don't want to use a JSON decoder just for this.
	return trimJSONQuotes(ret), nil
}

// trimJSONQuotes strips the surrounding quotes of a JSON string literal and
// leaves anything else untouched.
func trimJSONQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func parseBoolResponse(resp string) (bool, error) {
	switch resp {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, pkgerrors.Errorf("unexpected response: %s", resp)
	}
}
