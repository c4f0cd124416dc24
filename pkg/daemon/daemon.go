// Package daemon wires the device lifecycle, the recurring synchronization
// scheduler and the unix-socket control API together into the long-running
// tetherd process.
package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tetherd/tetherd/pkg/config"
	"github.com/tetherd/tetherd/pkg/device"
	"github.com/tetherd/tetherd/pkg/events"
	"github.com/tetherd/tetherd/pkg/link/bluez"
)

var (
	conf       config.Config
	dev        *device.Device
	transport  *bluez.Transport
	sseHub     *events.Hub
	sched      *Scheduler
	socketPath string
)

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/status", getStatus)
	router.POST("/connect", postConnect)
	router.POST("/disconnect", postDisconnect)
	router.POST("/forget", postForget)
	router.POST("/synchronize", postSynchronize)
	router.GET("/device-info", getDeviceInfo)
	router.GET("/storage-info", getStorageInfo)
	router.GET("/config", getConfig)
	router.PUT("/max-retries", setMaxRetries)
	router.PUT("/allow-non-root", setAllowNonRoot)
	router.GET("/schedule", getSchedule)
	router.PUT("/schedule", setSchedule)
	router.DELETE("/schedule", deleteSchedule)
	router.POST("/schedule/skip", postScheduleSkip)
	router.POST("/schedule/postpone", postSchedulePostpone)
	router.GET("/events", getEvents)
	router.GET("/version", getVersion)

	return router
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	router := setupRoutes()
	socketPath = unixSocketPath

	var err error
	conf, err = config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	sseHub = events.NewHub()

	devCtx, devCancel := context.WithCancel(context.Background())
	defer devCancel()

	if addr := conf.DeviceAddress(); addr != "" {
		transport, err = bluez.New(bluez.Options{
			Address: addr,
			Adapter: conf.Adapter(),
		})
		if err != nil {
			logrus.Fatalf("failed to set up bluetooth transport: %v", err)
		}
		dev = device.New(device.Collaborators{
			Link:    transport,
			Info:    transport,
			Storage: transport,
			Clock:   transport,
			Archive: transport,
			Events:  sseHub,
		}, device.Options{
			MaxRetries: conf.MaxRetries(),
		})
		go dev.Run(devCtx)

		if conf.AutoConnect() {
			logrus.WithField("address", addr).Info("auto-connecting to configured device")
			dev.Connect()
		}
	} else {
		logrus.Warn("no device address configured, lifecycle operations are unavailable until one is set")
	}

	sched = NewScheduler(scheduledSync, syncPreCheck, notifyScheduleUpcoming, notifyScheduleError)
	if expr := conf.SyncSchedule(); expr != "" {
		if err := sched.Schedule(expr); err != nil {
			logrus.Errorf("invalid sync schedule %q in config: %v", expr, err)
		}
	}
	sched.Start()

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			applyConfig()
			logrus.Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// A leftover socket from an unclean shutdown would fail the listen.
	_ = os.Remove(unixSocketPath)

	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("stopping scheduler")
	sched.Stop()

	devCancel()
	if transport != nil {
		logrus.Info("closing bluetooth transport")
		if err := transport.Close(); err != nil {
			logrus.Errorf("failed to close bluetooth transport: %v", err)
		}
	}

	logrus.Info("exiting")
	return nil
}

func chmodSocket(mode os.FileMode) error {
	if socketPath == "" {
		return nil
	}
	return os.Chmod(socketPath, mode)
}

// applyConfig pushes reloadable settings into the running components. The
// device address and adapter are fixed for the lifetime of the process.
func applyConfig() {
	if dev != nil {
		dev.SetMaxRetries(conf.MaxRetries())
	}
	if expr := conf.SyncSchedule(); expr != "" {
		if err := sched.Schedule(expr); err != nil {
			logrus.Errorf("invalid sync schedule %q in config: %v", expr, err)
		}
	} else {
		sched.Clear()
	}
}

// scheduledSync is the recurring task behind the sync schedule.
func scheduledSync() error {
	if dev == nil {
		return errors.New("no device configured")
	}
	if !dev.Synchronize() {
		return errors.New("synchronization not started (not connected, or already running)")
	}
	return nil
}

// syncPreCheck delays a scheduled run until the device is actually connected.
func syncPreCheck() error {
	if dev == nil {
		return errors.New("no device configured")
	}
	snap := dev.Snapshot()
	if snap.LinkState != "connected" {
		return errors.New("device is not connected")
	}
	if snap.Status == device.StatusUnsupported {
		return errors.New("device protocol is unsupported")
	}
	return nil
}

func notifyScheduleUpcoming(data any) {
	runAt, ok := data.(time.Time)
	if !ok {
		return
	}
	sseHub.Publish(events.ScheduleUpcoming, events.ScheduleEvent{RunAt: runAt.Unix()})
}

func notifyScheduleError(data any) {
	err, ok := data.(error)
	if !ok {
		return
	}
	logrus.WithError(err).Warn("scheduled synchronization problem")
	sseHub.Publish(events.ScheduleError, events.ScheduleEvent{Message: err.Error()})
}
