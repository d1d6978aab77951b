// Package registry implements the VM Registry (Manager) of spec.md §4.5:
// the table of per-VM supervisors, reconciled with the persistent store on
// daemon startup, autostarted once the RPC server is listening, watched by
// a periodic respawn check, and drained on shutdown.
//
// Grounded on virtcontainers/factory.go and sandbox.go's "reconcile from
// persisted state at startup, tear down and drain on shutdown"
// responsibilities, compressed into a single type because this daemon has
// one hypervisor backend rather than kata's pluggable factory/template
// machinery (see DESIGN.md).
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mmvmm/mmvmm/internal/model"
	"github.com/mmvmm/mmvmm/internal/store"
	"github.com/mmvmm/mmvmm/internal/supervisor"
	"github.com/mmvmm/mmvmm/internal/tapdev"
)

const (
	respawnCheckInterval = 10 * time.Second
	drainPollInterval    = 1 * time.Second
)

// Registry owns every Supervisor running on this host, keyed by VM id.
type Registry struct {
	st          *store.Store
	tapMgr      *tapdev.Manager
	qemuPath    string
	internalDir string
	log         *logrus.Entry

	mu          sync.RWMutex
	supervisors map[int64]*supervisor.Supervisor
	names       map[string]int64

	stopRespawn chan struct{}
	respawnDone chan struct{}
}

// New constructs an empty Registry. Start reconciles it against the store.
func New(st *store.Store, tapMgr *tapdev.Manager, qemuPath, internalDir string, log *logrus.Entry) *Registry {
	return &Registry{
		st:          st,
		tapMgr:      tapMgr,
		qemuPath:    qemuPath,
		internalDir: internalDir,
		log:         log.WithField("component", "registry"),
		supervisors: make(map[int64]*supervisor.Supervisor),
		names:       make(map[string]int64),
	}
}

// Start loads every persisted VM, builds and runs a Supervisor for each, and
// launches the periodic respawn check. It does not autostart VMs; call
// Autostart once the RPC server is accepting connections.
func (r *Registry) Start(ctx context.Context) error {
	vms, err := r.st.List(ctx)
	if err != nil {
		return errors.Wrap(err, "listing persisted VMs")
	}

	var totalConfiguredMiB int
	for _, vm := range vms {
		totalConfiguredMiB += vm.Hardware.RAMMiB
		if err := r.spawn(vm, false); err != nil {
			return errors.Wrapf(err, "spawning supervisor for VM %q", vm.Name)
		}
	}

	hostMiB := memory.TotalMemory() / (1024 * 1024)
	logEntry := r.log.WithFields(logrus.Fields{
		"vms":                len(vms),
		"configured_ram_mib": totalConfiguredMiB,
		"host_ram_mib":       hostMiB,
	})
	if hostMiB > 0 && uint64(totalConfiguredMiB) > hostMiB {
		logEntry.Warn("sum of configured VM RAM exceeds host memory")
	} else {
		logEntry.Info("registry started")
	}

	r.stopRespawn = make(chan struct{})
	r.respawnDone = make(chan struct{})
	go r.respawnLoop()

	return nil
}

// spawn constructs a Supervisor for vm, starts its event loop and registers
// it, waiting briefly for the loop to confirm it is running (spec.md §4.5
// "wait briefly until the loop is confirmed running").
func (r *Registry) spawn(vm model.VM, funky bool) error {
	sup := supervisor.New(vm, r.st, r.tapMgr, r.qemuPath, r.internalDir, r.log, funky)
	go sup.Run()

	select {
	case <-sup.Started():
	case <-time.After(5 * time.Second):
		return model.NewError(model.ErrInternal, "supervisor event loop did not start in time")
	}

	r.mu.Lock()
	r.supervisors[vm.ID] = sup
	r.names[vm.Name] = vm.ID
	r.mu.Unlock()
	return nil
}

// Autostart posts a Start command to every supervisor whose VM has
// autostart=true, per spec.md §4.5. Called once the RPC server is listening.
func (r *Registry) Autostart(ctx context.Context) {
	vms, err := r.st.ListAutostart(ctx)
	if err != nil {
		r.log.WithError(err).Error("listing autostart VMs")
		return
	}
	for _, vm := range vms {
		sup := r.lookup(vm.ID)
		if sup == nil {
			continue
		}
		if err := sup.Start(ctx); err != nil {
			r.log.WithError(err).WithField("vm", vm.Name).Warn("autostart failed")
		}
	}
}

func (r *Registry) lookup(id int64) *supervisor.Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supervisors[id]
}

func (r *Registry) lookupByName(name string) (*supervisor.Supervisor, error) {
	r.mu.RLock()
	id, ok := r.names[name]
	var sup *supervisor.Supervisor
	if ok {
		sup = r.supervisors[id]
	}
	r.mu.RUnlock()
	if !ok || sup == nil {
		return nil, model.NewError(model.ErrUnknownVM, fmt.Sprintf("no VM named %q", name))
	}
	return sup, nil
}

// New validates desc, persists a new VM row and starts its supervisor.
func (r *Registry) New(ctx context.Context, desc model.Description) (model.VM, error) {
	if desc.Hardware.ProductUUID == uuid.Nil {
		// ProductUUID is the zero UUID when the caller omitted it; generate
		// one per SPEC_FULL.md §3 rather than rejecting the description.
		desc.Hardware.ProductUUID = uuid.New()
	}
	if err := desc.Validate(); err != nil {
		return model.VM{}, err
	}

	r.mu.RLock()
	_, exists := r.names[desc.Name]
	r.mu.RUnlock()
	if exists {
		return model.VM{}, model.NewFieldError(model.ErrDuplicateName, "name", fmt.Sprintf("a VM named %q already exists", desc.Name))
	}

	vm, err := r.st.New(ctx, desc)
	if err != nil {
		return model.VM{}, err
	}
	// Reconcile NEW -> STOPPED on creation, per spec.md §3's transition
	// table ("NEW -> STOPPED: initial reconciliation on daemon start").
	if err := r.st.SetStatus(ctx, vm.ID, model.StatusStopped, nil); err != nil {
		return model.VM{}, errors.Wrap(err, "reconciling new VM to STOPPED")
	}
	vm.Status = model.StatusStopped

	if err := r.spawn(vm, false); err != nil {
		return model.VM{}, err
	}
	return vm, nil
}

// Delete removes a STOPPED VM: stops its supervisor's event loop, deletes
// its rows, and drops it from the registry.
func (r *Registry) Delete(ctx context.Context, name string) error {
	sup, err := r.lookupByName(name)
	if err != nil {
		return err
	}
	if sup.Snapshot().Status != model.StatusStopped {
		return model.NewError(model.ErrVMRunning, "VM must be STOPPED to delete")
	}

	sup.Stop()

	vmID := sup.VMID()
	if err := r.st.Delete(ctx, vmID); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.supervisors, vmID)
	delete(r.names, name)
	r.mu.Unlock()
	return nil
}

// List returns every VM name, sorted, per spec.md §6's get_vm_list and
// SPEC_FULL.md's restored stable ordering.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.names))
	for n := range r.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Info returns a consistent snapshot of the named VM.
func (r *Registry) Info(name string) (model.VM, error) {
	sup, err := r.lookupByName(name)
	if err != nil {
		return model.VM{}, err
	}
	return sup.Snapshot(), nil
}

// IsRunning reports whether the named VM's QEMU child is alive.
func (r *Registry) IsRunning(name string) (bool, error) {
	sup, err := r.lookupByName(name)
	if err != nil {
		return false, err
	}
	return sup.ProcessAlive(), nil
}

// StartVM posts a Start command to the named VM's supervisor.
func (r *Registry) StartVM(ctx context.Context, name string) error {
	sup, err := r.lookupByName(name)
	if err != nil {
		return err
	}
	return sup.Start(ctx)
}

func (r *Registry) PowerOff(ctx context.Context, name string) error {
	sup, err := r.lookupByName(name)
	if err != nil {
		return err
	}
	return sup.PowerOff(ctx)
}

func (r *Registry) Reset(ctx context.Context, name string) error {
	sup, err := r.lookupByName(name)
	if err != nil {
		return err
	}
	return sup.Reset(ctx)
}

func (r *Registry) Terminate(ctx context.Context, name string, kill bool) error {
	sup, err := r.lookupByName(name)
	if err != nil {
		return err
	}
	return sup.Terminate(ctx, kill)
}

func (r *Registry) SetAutostart(ctx context.Context, name string, on bool) error {
	sup, err := r.lookupByName(name)
	if err != nil {
		return err
	}
	return sup.SetAutostart(ctx, on)
}

func (r *Registry) UpdateHardware(ctx context.Context, name string, hw model.Hardware) error {
	sup, err := r.lookupByName(name)
	if err != nil {
		return err
	}
	return sup.UpdateHardware(ctx, hw)
}

func (r *Registry) AddNIC(ctx context.Context, name string, nic model.NIC) (int64, error) {
	sup, err := r.lookupByName(name)
	if err != nil {
		return 0, err
	}
	return sup.AddNIC(ctx, nic)
}

func (r *Registry) DelNIC(ctx context.Context, name string, nicID int64) error {
	sup, err := r.lookupByName(name)
	if err != nil {
		return err
	}
	return sup.DelNIC(ctx, nicID)
}

func (r *Registry) AddMedia(ctx context.Context, name string, m model.Media) (int64, error) {
	sup, err := r.lookupByName(name)
	if err != nil {
		return 0, err
	}
	return sup.AddMedia(ctx, m)
}

func (r *Registry) DelMedia(ctx context.Context, name string, mediaID int64) error {
	sup, err := r.lookupByName(name)
	if err != nil {
		return err
	}
	return sup.DelMedia(ctx, mediaID)
}

// respawnLoop implements spec.md §4.5's periodic respawn check: every
// respawnCheckInterval, any supervisor whose event loop died gets replaced
// by a fresh one flagged "funky".
func (r *Registry) respawnLoop() {
	defer close(r.respawnDone)
	ticker := time.NewTicker(respawnCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.checkRespawn()
		case <-r.stopRespawn:
			return
		}
	}
}

func (r *Registry) checkRespawn() {
	r.mu.RLock()
	dead := make([]*supervisor.Supervisor, 0)
	for _, sup := range r.supervisors {
		if !sup.IsAlive() {
			dead = append(dead, sup)
		}
	}
	r.mu.RUnlock()

	for _, sup := range dead {
		r.respawnOne(sup)
	}
}

func (r *Registry) respawnOne(dead *supervisor.Supervisor) {
	vm := dead.Snapshot()
	log := r.log.WithField("vm", vm.Name)
	log.Warn("supervisor event loop died, respawning")

	if dead.ProcessAlive() {
		log.Warn("QEMU child still alive under a dead supervisor, forcing terminate")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = dead.Terminate(ctx, true)
		cancel()
	}

	if err := r.spawn(vm, true); err != nil {
		log.WithError(err).Error("failed to respawn supervisor")
	}
}

// Close follows spec.md §4.5's Close sequence: it stops the periodic
// respawn check, drains every VM, and then stops every supervisor's event
// loop.
func (r *Registry) Close(ctx context.Context, timeout time.Duration) {
	if r.stopRespawn != nil {
		close(r.stopRespawn)
		<-r.respawnDone
	}

	r.mu.RLock()
	sups := make([]*supervisor.Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		sups = append(sups, sup)
	}
	r.mu.RUnlock()

	for _, sup := range sups {
		status := sup.Snapshot().Status
		if status == model.StatusStopped || status == model.StatusNew {
			continue
		}
		if err := sup.PowerOff(ctx); err != nil {
			r.log.WithError(err).WithField("vm", sup.Snapshot().Name).Warn("poweroff during drain failed, will force if it doesn't stop")
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.allStopped(sups) {
			break
		}
		time.Sleep(drainPollInterval)
	}

	for _, sup := range sups {
		if sup.Snapshot().Status != model.StatusStopped {
			r.log.WithField("vm", sup.Snapshot().Name).Warn("VM did not stop within drain timeout, forcing")
			_ = sup.Terminate(ctx, true)
		}
	}

	for _, sup := range sups {
		sup.Stop()
	}
}

func (r *Registry) allStopped(sups []*supervisor.Supervisor) bool {
	for _, sup := range sups {
		if sup.Snapshot().Status != model.StatusStopped {
			return false
		}
	}
	return true
}
