package daemon

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tetherd/tetherd/pkg/config"
	"github.com/tetherd/tetherd/pkg/rpc"
	"github.com/tetherd/tetherd/pkg/version"
)

// requireDevice aborts the request when no device address is configured.
func requireDevice(c *gin.Context) bool {
	if dev == nil {
		err := fmt.Errorf("no device configured; set a device address in the config and restart the daemon")
		c.IndentedJSON(http.StatusServiceUnavailable, err.Error())
		_ = c.AbortWithError(http.StatusServiceUnavailable, err)
		return false
	}
	return true
}

func getStatus(c *gin.Context) {
	if !requireDevice(c) {
		return
	}
	c.IndentedJSON(http.StatusOK, dev.Snapshot())
}

func postConnect(c *gin.Context) {
	if !requireDevice(c) {
		return
	}
	dev.Connect()
	logrus.Info("connect requested")
	c.IndentedJSON(http.StatusCreated, "ok")
}

func postDisconnect(c *gin.Context) {
	if !requireDevice(c) {
		return
	}
	dev.Disconnect()
	logrus.Info("disconnect requested")
	c.IndentedJSON(http.StatusCreated, "ok")
}

func postForget(c *gin.Context) {
	if !requireDevice(c) {
		return
	}
	dev.Forget()
	logrus.Info("forget requested")
	c.IndentedJSON(http.StatusCreated, "ok")
}

func postSynchronize(c *gin.Context) {
	if !requireDevice(c) {
		return
	}
	started := dev.Synchronize()
	if started {
		logrus.Info("manual synchronization started")
	} else {
		logrus.Info("manual synchronization rejected")
	}
	c.IndentedJSON(http.StatusAccepted, started)
}

func getDeviceInfo(c *gin.Context) {
	if !requireDevice(c) {
		return
	}
	info := rpc.DeviceInfoSnapshot{}
	if pct, ok := transport.Battery(); ok {
		info.Battery = &pct
	}
	if v, ok := transport.ProtocolVersion(); ok {
		info.ProtocolVersion = &v
	}
	c.IndentedJSON(http.StatusOK, info)
}

func getStorageInfo(c *gin.Context) {
	if !requireDevice(c) {
		return
	}
	c.IndentedJSON(http.StatusOK, dev.StorageStats())
}

func getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func setMaxRetries(c *gin.Context) {
	var n int
	if err := c.BindJSON(&n); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if n < 0 {
		err := fmt.Errorf("max retries must not be negative, got %d", n)
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetMaxRetries(n)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if dev != nil {
		dev.SetMaxRetries(n)
	}

	logrus.Infof("set max retries to %d", n)

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("set max retries to %d", n))
}

func setAllowNonRoot(c *gin.Context) {
	var b bool
	if err := c.BindJSON(&b); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetAllowNonRootAccess(b)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if b {
		if err := chmodSocket(0777); err != nil {
			c.IndentedJSON(http.StatusInternalServerError, err.Error())
			_ = c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	}

	logrus.Infof("set allow non-root access to %t", b)

	c.IndentedJSON(http.StatusCreated, "ok")
}

// ScheduleStatus is the JSON shape of GET /schedule.
type ScheduleStatus struct {
	Expression string `json:"expression,omitempty"`
	NextRun    int64  `json:"nextRun,omitempty"`
	Active     bool   `json:"active"`
}

func getSchedule(c *gin.Context) {
	next, running := sched.Status()
	st := ScheduleStatus{
		Expression: conf.SyncSchedule(),
		Active:     running && !next.IsZero(),
	}
	if !next.IsZero() {
		st.NextRun = next.Unix()
	}
	c.IndentedJSON(http.StatusOK, st)
}

func setSchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := sched.Schedule(expr); err != nil {
		err = fmt.Errorf("invalid cron expression %q: %v", expr, err)
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetSyncSchedule(expr)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	logrus.Infof("set sync schedule to %q", expr)

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("set sync schedule to %q", expr))
}

func deleteSchedule(c *gin.Context) {
	sched.Clear()
	conf.SetSyncSchedule("")
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	logrus.Info("sync schedule removed")

	c.IndentedJSON(http.StatusOK, "ok")
}

func postScheduleSkip(c *gin.Context) {
	if err := sched.Skip(); err != nil {
		c.IndentedJSON(http.StatusConflict, err.Error())
		_ = c.AbortWithError(http.StatusConflict, err)
		return
	}

	next, _ := sched.Status()
	logrus.WithField("nextRun", next.Format(time.DateTime)).Info("skipped next scheduled synchronization")

	c.IndentedJSON(http.StatusCreated, "ok")
}

func postSchedulePostpone(c *gin.Context) {
	var raw string
	if err := c.BindJSON(&raw); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := sched.Postpone(d); err != nil {
		c.IndentedJSON(http.StatusConflict, err.Error())
		_ = c.AbortWithError(http.StatusConflict, err)
		return
	}

	logrus.WithField("by", d).Info("postponed next scheduled synchronization")

	c.IndentedJSON(http.StatusCreated, "ok")
}

func getEvents(c *gin.Context) {
	ch := sseHub.Subscribe()
	defer sseHub.Unsubscribe(ch)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
