// Command mmvmmd is the host-local daemon spec.md describes: it loads
// configuration, opens the persisted store, reconciles the VM registry,
// starts the Control RPC server, autostarts flagged VMs, and drains
// gracefully on SIGTERM/SIGINT.
//
// Grounded on cli/main.go's urfave/cli App/Flag wiring and
// pkg/katautils/logger.go's logger construction, trimmed to a single
// long-running daemon command instead of an OCI-runtime subcommand tree.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/mmvmm/mmvmm/internal/config"
	"github.com/mmvmm/mmvmm/internal/registry"
	"github.com/mmvmm/mmvmm/internal/rpcserver"
	"github.com/mmvmm/mmvmm/internal/signals"
	"github.com/mmvmm/mmvmm/internal/store"
	"github.com/mmvmm/mmvmm/internal/tapdev"
)

const (
	name    = "mmvmmd"
	version = "0.1.0"
)

var mmvmmLog = logrus.WithField("source", name)

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "QEMU virtual machine lifecycle daemon"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to mmvmm.toml"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug|info|warn|error"},
		cli.StringFlag{Name: "pid-file", Value: "/run/mmvmm/mmvmmd.pid", Usage: "path to write the daemon PID"},
	}
	app.Action = runDaemon

	if err := app.Run(os.Args); err != nil {
		mmvmmLog.WithError(err).Error("fatal error")
		os.Exit(1)
	}
}

func runDaemon(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.String("log-level"), err)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("source", name)
	signals.SetLogger(log)

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.SocketDir, 0750); err != nil {
		return fmt.Errorf("creating socket dir %s: %w", cfg.SocketDir, err)
	}
	if err := os.MkdirAll(cfg.InternalSocketDir(), 0750); err != nil {
		return fmt.Errorf("creating internal socket dir %s: %w", cfg.InternalSocketDir(), err)
	}

	pidPath := c.String("pid-file")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer os.Remove(pidPath)

	st, err := store.Open(cfg.DatabaseURI, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	tapMgr := tapdev.New(cfg.IPPath, log)
	reg := registry.New(st, tapMgr, cfg.QEMUPath, cfg.InternalSocketDir(), log)

	ctx := context.Background()
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("starting registry: %w", err)
	}

	srv, err := rpcserver.Listen(reg, cfg.ControlSocketPath(), log)
	if err != nil {
		return fmt.Errorf("starting control RPC server: %w", err)
	}
	go srv.Serve()
	log.WithField("socket", cfg.ControlSocketPath()).Info("control RPC listening")

	reg.Autostart(ctx)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("sd_notify READY failed")
	} else if ok {
		log.Debug("notified systemd: ready")
	}

	drainTimeout := time.Duration(cfg.DrainTimeoutS) * time.Second
	drained := make(chan struct{})
	stopSignals := signals.NotifyDrain(func() {
		defer close(drained)

		if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
			log.WithError(err).Debug("sd_notify STOPPING failed")
		}

		if err := srv.Close(); err != nil {
			log.WithError(err).Warn("closing control RPC socket")
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout+10*time.Second)
		defer cancel()
		reg.Close(drainCtx, drainTimeout)
	})
	defer stopSignals()

	<-drained
	log.Info("drain complete, exiting")
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}
