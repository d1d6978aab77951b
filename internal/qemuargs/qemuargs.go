// Package qemuargs builds the exact QEMU command line spec.md §6 specifies
// and launches the resulting process in its own process group.
//
// Grounded on pkg/govmm/qemu/qemu.go's Config.appendXXX builder idiom and
// LaunchCustomQemu's exec.CommandContext/SysProcAttr/stderr-pipe pattern
// (see DESIGN.md); narrowed to exactly the fixed argv surface spec.md
// names, since this daemon never needs govmm's hundreds of other options.
package qemuargs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/mmvmm/mmvmm/internal/model"
)

// NIC pairs a model.NIC with the TAP device name already created for it.
type NIC struct {
	Spec     model.NIC
	TapName  string
	NetdevID string
}

// Spec is everything needed to build one VM's QEMU argv, per spec.md §6.
type Spec struct {
	VMName      string
	VNCDisplay  int64
	QMPSockPath string
	Hardware    model.Hardware
	NICs        []NIC
}

// Build returns the exact argv spec.md §6 specifies, in spec.md's order.
func Build(s Spec) []string {
	args := []string{
		"-monitor", "none",
		"-serial", "null",
		"-enable-kvm", "-cpu", "host",
		"-name", s.VMName,
		"-vnc", fmt.Sprintf(":%d", s.VNCDisplay),
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", s.QMPSockPath),
		"-m", fmt.Sprintf("%d", s.Hardware.RAMMiB),
		"-smp", fmt.Sprintf("%d", s.Hardware.CPUs),
		"-boot", string(s.Hardware.EffectiveBoot()),
	}

	if s.Hardware.RTCUTC {
		args = append(args, "-rtc", "base=utc")
	} else {
		args = append(args, "-rtc", "base=localtime")
	}

	for _, media := range s.Hardware.Media {
		args = append(args, "-drive", driveOption(media))
	}

	for _, nic := range s.NICs {
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=%s,ifname=%s,script=no,downscript=no", nic.NetdevID, nic.TapName),
			"-device", fmt.Sprintf("%s,netdev=%s,mac=%s", nic.Spec.Model, nic.NetdevID, nic.Spec.MAC),
		)
	}

	return args
}

func driveOption(m model.Media) string {
	readonly := "off"
	if m.ReadOnly {
		readonly = "on"
	}
	cache := "none"
	if m.HostCache {
		cache = "writeback"
	}
	return fmt.Sprintf("media=%s,format=%s,file=%s,read-only=%s,if=%s,cache=%s",
		m.Type, m.Format, m.EscapedPath(), readonly, m.Interface, cache)
}

// Process wraps the spawned QEMU child and its captured stderr. A
// background goroutine reaps the child the moment it exits (see Launch), so
// Alive reflects a non-blocking waitpid(WNOHANG)-style reap rather than a
// liveness signal that a zombie would still answer to.
type Process struct {
	Cmd    *exec.Cmd
	Stderr io.ReadCloser

	waitDone chan struct{}
	waitErr  error
}

// Launch starts qemuPath with args in a fresh process group, so signals
// delivered to the daemon via a controlling terminal (SIGINT, SIGTERM) are
// not forwarded to the QEMU child (spec.md §4.4.1 step 6, §9).
//
// It immediately starts a goroutine that calls cmd.Wait(), reaping the
// child as soon as it exits so Alive never observes a zombie. Grounded on
// the original implementation's is_process_alive (original_source/mmvmm/
// vm_instance.py), which uses poll() — a non-blocking waitpid(WNOHANG) that
// detects and reaps in one step.
func Launch(ctx context.Context, qemuPath string, args []string) (*Process, error) {
	cmd := exec.CommandContext(ctx, qemuPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("connecting QEMU stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", qemuPath, err)
	}

	p := &Process{Cmd: cmd, Stderr: stderr, waitDone: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()

	return p, nil
}

// DrainStderr copies QEMU's stderr into the returned *bytes.Buffer in the
// background, which Process callers may inspect after the child exits to
// explain a crash. Nothing is logged from it here.
func DrainStderr(r io.Reader) *bytes.Buffer {
	buf := &bytes.Buffer{}
	go func() {
		_, _ = io.Copy(buf, r)
	}()
	return buf
}

// Alive reports whether the process has not yet been reaped by the
// background Wait goroutine started in Launch. Unlike re-signalling the
// PID, this never reports a zombie (exited-but-unreaped) child as alive.
func (p *Process) Alive() bool {
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

// PID returns the child's process id.
func (p *Process) PID() int {
	return p.Cmd.Process.Pid
}

// Signal sends sig to the process.
func (p *Process) Signal(sig syscall.Signal) error {
	return p.Cmd.Process.Signal(sig)
}

// Wait blocks until the process exits, returning the same error the
// background reaping goroutine from Launch observed. Safe to call from
// multiple goroutines concurrently.
func (p *Process) Wait() error {
	<-p.waitDone
	return p.waitErr
}
