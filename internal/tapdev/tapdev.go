// Package tapdev manages host TAP network devices by shelling out to the
// `ip` command, the way spec.md §4.1 requires (as opposed to the teacher's
// netlink-syscall backend in virtcontainers/network_linux.go — see
// DESIGN.md). One process-wide mutex serializes every iproute2-style
// invocation across all VMs, matching spec.md §5's "Shared resources" note.
package tapdev

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mmvmm/mmvmm/internal/model"
)

// Manager creates and destroys TAP devices named deterministically after
// the NIC id that owns them.
type Manager struct {
	ipPath string
	log    *logrus.Entry

	mu sync.Mutex // serializes every `ip` invocation, spec.md §5
}

// New returns a Manager that invokes ipPath (typically "ip" or an absolute
// path from $IP_PATH) for every operation.
func New(ipPath string, log *logrus.Entry) *Manager {
	if ipPath == "" {
		ipPath = "ip"
	}
	return &Manager{ipPath: ipPath, log: log.WithField("component", "tapdev")}
}

// Device is a handle to a single created TAP device. Calling Free renders
// the handle inert; further calls on it fail.
type Device struct {
	m      *Manager
	name   string
	master string
	mtu    int
	freed  bool
}

// Name returns the deterministic device name, "mmvmm<nic_id>".
func (d *Device) Name() string { return d.name }

func (m *Manager) run(ctx context.Context, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := exec.CommandContext(ctx, m.ipPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	m.log.WithField("args", args).Debug("running ip command")
	if err := cmd.Run(); err != nil {
		return model.WrapError(model.ErrHostNetworkError, err,
			fmt.Sprintf("%s %v failed: %s", m.ipPath, args, stderr.String()))
	}
	return nil
}

// Create brings up a TAP device named after nicID, attaches it to master
// and sets its MTU. On any failure it rolls back whatever partial state it
// created and returns a HostNetworkError, per spec.md §4.1.
func (m *Manager) Create(ctx context.Context, nicID int64, master string, mtu int) (*Device, error) {
	name := model.TapName(nicID)

	if err := m.run(ctx, "tuntap", "add", "name", name, "mode", "tap"); err != nil {
		return nil, err
	}

	d := &Device{m: m, name: name, mtu: mtu}

	if err := m.run(ctx, "link", "set", name, "master", master); err != nil {
		m.bestEffortDelete(name)
		return nil, err
	}
	d.master = master

	if err := m.run(ctx, "link", "set", name, "mtu", fmt.Sprintf("%d", mtu)); err != nil {
		m.bestEffortDelete(name)
		return nil, err
	}

	if err := m.run(ctx, "link", "set", name, "up"); err != nil {
		m.bestEffortDelete(name)
		return nil, err
	}

	return d, nil
}

// bestEffortDelete tears down a partially-configured device without
// propagating further errors: Create has already failed and is about to
// return that error to its caller.
func (m *Manager) bestEffortDelete(name string) {
	ctx := context.Background()
	_ = m.run(ctx, "link", "set", name, "down")
	if err := m.run(ctx, "tuntap", "del", "name", name, "mode", "tap"); err != nil {
		m.log.WithError(err).WithField("device", name).Warn("failed to roll back partially created TAP device")
	}
}

// UpdateMaster re-attaches the device to a different bridge. Exposed per
// spec.md §9 but not called from any supervisor path — hot-replumbing NICs
// is explicitly left unimplemented (see DESIGN.md, open question #2).
func (d *Device) UpdateMaster(ctx context.Context, master string) error {
	if d.freed {
		return model.NewError(model.ErrInternal, "tap device already freed")
	}
	if err := d.m.run(ctx, "link", "set", d.name, "master", master); err != nil {
		return err
	}
	d.master = master
	return nil
}

// Free tears the device down. After Free returns (successfully or not) the
// handle must not be used again.
func (d *Device) Free(ctx context.Context) error {
	if d.freed {
		return model.NewError(model.ErrInternal, "tap device already freed")
	}
	d.freed = true

	if err := d.m.run(ctx, "link", "set", d.name, "down"); err != nil {
		return err
	}
	return d.m.run(ctx, "tuntap", "del", "name", d.name, "mode", "tap")
}
