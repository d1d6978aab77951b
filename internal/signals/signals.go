// Package signals installs SIGTERM/SIGINT handling for the daemon.
//
// Grounded on pkg/signals/signals.go's package shape (a package-level
// logrus.Entry, a SetLogger hook, handlers installed via os/signal.Notify)
// but trimmed to this daemon's actual need: spec.md §6 calls for a graceful
// drain on SIGTERM/SIGINT, not the teacher's crash-dump/backtrace behavior,
// since this daemon supervises QEMU processes rather than container
// workloads there is nothing analogous to dump.
package signals

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("source", "signals")

// SetLogger overrides the package's default logger.
func SetLogger(l *logrus.Entry) { log = l }

// NotifyDrain installs handlers for SIGTERM and SIGINT that invoke drain
// exactly once, logging the triggering signal. The returned function
// removes the handlers.
func NotifyDrain(drain func()) func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			log.WithField("signal", sig).Info("received shutdown signal, draining")
			drain()
		case <-done:
		}
	}()

	return func() {
		close(done)
		signal.Stop(ch)
	}
}
