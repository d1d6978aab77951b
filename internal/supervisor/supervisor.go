// Package supervisor implements the per-VM event loop described in
// spec.md §4.4: the single serialization point that owns a QEMU child
// process, a QMP monitor and a set of TAP devices, and that executes every
// external lifecycle command and QMP-derived notification one at a time.
//
// Grounded on kata-containers' virtcontainers/monitor.go (a long-lived
// per-sandbox goroutine multiplexing health-check ticks with watcher
// commands over channels) and pkg/containerd-shim-v2/service.go's
// processExits bookkeeping for child-process lifecycle handling.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mmvmm/mmvmm/internal/model"
	"github.com/mmvmm/mmvmm/internal/qemuargs"
	"github.com/mmvmm/mmvmm/internal/qmp"
	"github.com/mmvmm/mmvmm/internal/store"
	"github.com/mmvmm/mmvmm/internal/tapdev"
	"github.com/mmvmm/mmvmm/internal/vncalloc"
)

const (
	queueTimeout      = 2 * time.Second
	exitWaitTimeout   = 5 * time.Second
	qmpCommandTimeout = 5 * time.Second
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdPowerOff
	cmdReset
	cmdTerminate
	cmdAddNIC
	cmdDelNIC
	cmdAddMedia
	cmdDelMedia
	cmdUpdateHardware
	cmdSetAutostart
	cmdQmpNegotiationComplete
	cmdQmpNegotiationFailed
	cmdQmpConnectionLost
	cmdQmpShutdown
	cmdStop
)

type command struct {
	kind cmdKind

	kill      bool
	nic       model.NIC
	nicID     int64
	media     model.Media
	mediaID   int64
	hardware  model.Hardware
	autostart bool

	qmpErr     error
	monitorGen uint64

	reply chan result
}

type result struct {
	value interface{}
	err   error
}

// Supervisor is the per-VM serialization unit spec.md §4.4 names.
type Supervisor struct {
	log      *logrus.Entry
	st       *store.Store
	tapMgr   *tapdev.Manager
	qemuPath string
	// internalDir is $SOCKET_DIR/internal, where QMP sockets are allocated.
	internalDir string

	cmdCh     chan command
	startedCh chan struct{}
	doneCh    chan struct{}
	running   int32

	funky bool

	mu         sync.RWMutex
	vm         model.VM
	process    *qemuargs.Process
	qemuStderr *bytes.Buffer
	monitor    *qmp.Monitor
	monitorGen uint64
	taps       []*tapdev.Device
}

// New constructs a Supervisor for vm. Run must be called (typically in its
// own goroutine) to start the event loop.
func New(vm model.VM, st *store.Store, tapMgr *tapdev.Manager, qemuPath, internalDir string, log *logrus.Entry, funky bool) *Supervisor {
	return &Supervisor{
		log:         log.WithField("component", "supervisor").WithField("vm", vm.Name),
		st:          st,
		tapMgr:      tapMgr,
		qemuPath:    qemuPath,
		internalDir: internalDir,
		cmdCh:       make(chan command, 8),
		startedCh:   make(chan struct{}),
		doneCh:      make(chan struct{}),
		funky:       funky,
		vm:          vm,
	}
}

// Started is closed once Run's event loop has begun processing commands.
func (s *Supervisor) Started() <-chan struct{} { return s.startedCh }

// Done is closed once the event loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

// IsAlive reports whether the event loop goroutine is currently running.
// The registry's periodic respawn check (spec.md §4.5) uses this to detect
// a supervisor whose loop died without going through Stop.
func (s *Supervisor) IsAlive() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// IsFunky reports whether this supervisor was constructed to replace one
// whose event loop died unexpectedly (a diagnostic marker, not a
// state-machine state, per spec.md's glossary).
func (s *Supervisor) IsFunky() bool { return s.funky }

// VMID returns the id of the VM this supervisor owns.
func (s *Supervisor) VMID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vm.ID
}

// Snapshot returns a consistent copy of the VM's current state, matching
// spec.md §5's "property getter acquires the same per-VM mutex" guarantee.
func (s *Supervisor) Snapshot() model.VM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm := s.vm
	vm.Hardware.NICs = append([]model.NIC(nil), s.vm.Hardware.NICs...)
	vm.Hardware.Media = append([]model.Media(nil), s.vm.Hardware.Media...)
	return vm
}

// ProcessAlive reports whether the supervised QEMU child is currently
// running.
func (s *Supervisor) ProcessAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.process != nil && s.process.Alive()
}

// Run executes the event loop described in spec.md §4.4 until a Stop
// command is received. It should be run in its own goroutine.
func (s *Supervisor) Run() {
	atomic.StoreInt32(&s.running, 1)
	close(s.startedCh)
	defer close(s.doneCh)
	defer atomic.StoreInt32(&s.running, 0)

	timer := time.NewTimer(queueTimeout)
	defer timer.Stop()

	for {
		select {
		case cmd := <-s.cmdCh:
			if cmd.kind == cmdStop {
				return
			}
			s.dispatch(cmd)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(queueTimeout)
		case <-timer.C:
			s.periodic()
			timer.Reset(queueTimeout)
		}
	}
}

// Stop posts the Control Stop sentinel and blocks until the loop exits.
func (s *Supervisor) Stop() {
	select {
	case s.cmdCh <- command{kind: cmdStop}:
	case <-s.doneCh:
		return
	}
	<-s.doneCh
}

func (s *Supervisor) submit(ctx context.Context, cmd command) (interface{}, error) {
	reply := make(chan result, 1)
	cmd.reply = reply

	select {
	case s.cmdCh <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, model.NewError(model.ErrInternal, "supervisor event loop is stopped")
	}

	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, model.NewError(model.ErrInternal, "supervisor event loop is stopped")
	}
}

func (s *Supervisor) Start(ctx context.Context) error {
	_, err := s.submit(ctx, command{kind: cmdStart})
	return err
}

func (s *Supervisor) PowerOff(ctx context.Context) error {
	_, err := s.submit(ctx, command{kind: cmdPowerOff})
	return err
}

func (s *Supervisor) Reset(ctx context.Context) error {
	_, err := s.submit(ctx, command{kind: cmdReset})
	return err
}

func (s *Supervisor) Terminate(ctx context.Context, kill bool) error {
	_, err := s.submit(ctx, command{kind: cmdTerminate, kill: kill})
	return err
}

func (s *Supervisor) AddNIC(ctx context.Context, nic model.NIC) (int64, error) {
	v, err := s.submit(ctx, command{kind: cmdAddNIC, nic: nic})
	if err != nil {
		return 0, err
	}
	id, _ := v.(int64)
	return id, nil
}

func (s *Supervisor) DelNIC(ctx context.Context, nicID int64) error {
	_, err := s.submit(ctx, command{kind: cmdDelNIC, nicID: nicID})
	return err
}

func (s *Supervisor) AddMedia(ctx context.Context, m model.Media) (int64, error) {
	v, err := s.submit(ctx, command{kind: cmdAddMedia, media: m})
	if err != nil {
		return 0, err
	}
	id, _ := v.(int64)
	return id, nil
}

func (s *Supervisor) DelMedia(ctx context.Context, mediaID int64) error {
	_, err := s.submit(ctx, command{kind: cmdDelMedia, mediaID: mediaID})
	return err
}

func (s *Supervisor) UpdateHardware(ctx context.Context, hw model.Hardware) error {
	_, err := s.submit(ctx, command{kind: cmdUpdateHardware, hardware: hw})
	return err
}

func (s *Supervisor) SetAutostart(ctx context.Context, on bool) error {
	_, err := s.submit(ctx, command{kind: cmdSetAutostart, autostart: on})
	return err
}

// dispatch executes one command under the event loop's single goroutine,
// per spec.md §4.4's "acquire mutex; dispatch by variant; catch domain
// errors and log" contract. Handlers take their own fine-grained locks so
// a blocking QMP or subprocess call never stalls concurrent read-only
// accessors like Snapshot.
func (s *Supervisor) dispatch(cmd command) {
	ctx := context.Background()
	var res result

	switch cmd.kind {
	case cmdStart:
		res.err = s.handleStart(ctx)
	case cmdPowerOff:
		res.err = s.handlePowerOff(ctx)
	case cmdReset:
		res.err = s.handleReset(ctx)
	case cmdTerminate:
		res.err = s.handleTerminate(ctx, cmd.kill)
	case cmdAddNIC:
		id, err := s.handleAddNIC(ctx, cmd.nic)
		res.value, res.err = id, err
	case cmdDelNIC:
		res.err = s.handleDelNIC(ctx, cmd.nicID)
	case cmdAddMedia:
		id, err := s.handleAddMedia(ctx, cmd.media)
		res.value, res.err = id, err
	case cmdDelMedia:
		res.err = s.handleDelMedia(ctx, cmd.mediaID)
	case cmdUpdateHardware:
		res.err = s.handleUpdateHardware(ctx, cmd.hardware)
	case cmdSetAutostart:
		res.err = s.handleSetAutostart(ctx, cmd.autostart)
	case cmdQmpNegotiationComplete:
		s.handleQmpNegotiationComplete(ctx, cmd)
	case cmdQmpNegotiationFailed:
		s.handleQmpNegotiationFailed(ctx, cmd)
	case cmdQmpConnectionLost:
		s.handleQmpConnectionLost(ctx, cmd)
	case cmdQmpShutdown:
		s.handleQmpShutdown(ctx, cmd)
	default:
		s.log.WithField("kind", cmd.kind).Warn("unrecognised supervisor command")
	}

	if res.err != nil {
		s.log.WithError(res.err).Debug("supervisor command returned an error")
	}
	if cmd.reply != nil {
		select {
		case cmd.reply <- res:
		default:
		}
	}
}

// handleStart implements spec.md §4.4.1.
func (s *Supervisor) handleStart(ctx context.Context) error {
	s.mu.Lock()
	if s.process != nil && s.process.Alive() {
		s.mu.Unlock()
		return model.NewError(model.ErrVMRunning, "VM is already running")
	}
	if s.vm.Status != model.StatusStopped {
		status := s.vm.Status
		s.mu.Unlock()
		return model.NewError(model.ErrVMRunning, fmt.Sprintf("cannot start a VM in status %s", status))
	}

	s.vm.Status = model.StatusStarting
	vmID := s.vm.ID
	vmName := s.vm.Name
	hw := s.vm.Hardware
	staleMonitor := s.monitor
	s.monitor = nil
	s.mu.Unlock()

	if err := s.st.SetStatus(ctx, vmID, model.StatusStarting, nil); err != nil {
		s.log.WithError(err).Warn("persisting STARTING status")
	}

	if staleMonitor != nil {
		staleMonitor.Disconnect(true)
	}

	sockPath, err := qmp.AllocateSocketPath(s.internalDir)
	if err != nil {
		return s.abortStart(ctx, errors.Wrap(err, "allocating QMP socket path"))
	}

	var createdTaps []*tapdev.Device
	var nicArgs []qemuargs.NIC
	for _, n := range hw.NICs {
		dev, err := s.tapMgr.Create(ctx, n.ID, n.Master, n.MTU)
		if err != nil {
			s.rollbackTaps(createdTaps)
			return s.abortStart(ctx, err)
		}
		createdTaps = append(createdTaps, dev)
		nicArgs = append(nicArgs, qemuargs.NIC{
			Spec:     n,
			TapName:  dev.Name(),
			NetdevID: model.NetdevID(vmName, n.ID),
		})
	}

	argv := qemuargs.Build(qemuargs.Spec{
		VMName:      vmName,
		VNCDisplay:  vncalloc.Display(vmID),
		QMPSockPath: sockPath,
		Hardware:    hw,
		NICs:        nicArgs,
	})

	proc, err := qemuargs.Launch(context.Background(), s.qemuPath, argv)
	if err != nil {
		s.rollbackTaps(createdTaps)
		return s.abortStart(ctx, errors.Wrap(err, "spawning QEMU"))
	}
	stderrBuf := qemuargs.DrainStderr(proc.Stderr)

	pid := int64(proc.PID())
	mon := qmp.New(sockPath, s.log)

	s.mu.Lock()
	s.process = proc
	s.qemuStderr = stderrBuf
	s.taps = createdTaps
	s.monitor = mon
	s.monitorGen++
	gen := s.monitorGen
	s.vm.PID = &pid
	s.mu.Unlock()

	if err := s.st.SetStatus(ctx, vmID, model.StatusStarting, &pid); err != nil {
		s.log.WithError(err).Warn("persisting QEMU PID")
	}

	mon.Start()
	go s.forwardQmpEvents(mon, gen)

	return nil
}

func (s *Supervisor) abortStart(ctx context.Context, cause error) error {
	s.mu.Lock()
	vmID := s.vm.ID
	s.vm.Status = model.StatusStopped
	s.mu.Unlock()

	if err := s.st.SetStatus(ctx, vmID, model.StatusStopped, nil); err != nil {
		s.log.WithError(err).Warn("persisting STOPPED after aborted start")
	}
	s.log.WithError(cause).Warn("start aborted")
	return cause
}

func (s *Supervisor) rollbackTaps(taps []*tapdev.Device) {
	for _, d := range taps {
		if err := d.Free(context.Background()); err != nil {
			s.log.WithError(err).WithField("device", d.Name()).Warn("failed to roll back TAP device after aborted start")
		}
	}
}

// forwardQmpEvents relays a Monitor's events onto the supervisor's own
// command queue, translating them into internal command kinds, so external
// commands and QMP notifications share one serialization point (spec.md
// §2). gen pins the events to the monitor generation that produced them,
// letting the dispatch handlers discard stale events from a superseded
// monitor after a restart.
func (s *Supervisor) forwardQmpEvents(mon *qmp.Monitor, gen uint64) {
	for {
		select {
		case ev := <-mon.Events():
			var kind cmdKind
			switch ev.Kind {
			case qmp.NegotiationComplete:
				kind = cmdQmpNegotiationComplete
			case qmp.NegotiationFailed:
				kind = cmdQmpNegotiationFailed
			case qmp.ConnectionLost:
				kind = cmdQmpConnectionLost
			case qmp.GuestShutdown:
				kind = cmdQmpShutdown
			default:
				continue
			}

			cmd := command{kind: kind, qmpErr: ev.Err, monitorGen: gen}
			select {
			case s.cmdCh <- cmd:
			case <-s.doneCh:
				return
			}

			if kind == cmdQmpNegotiationFailed || kind == cmdQmpConnectionLost {
				return
			}
		case <-s.doneCh:
			return
		}
	}
}

// handlePowerOff implements spec.md §4.4.2.
func (s *Supervisor) handlePowerOff(ctx context.Context) error {
	s.mu.Lock()
	if s.process == nil || !s.process.Alive() {
		s.mu.Unlock()
		return model.NewError(model.ErrVMNotRunning, "VM is not running")
	}
	s.vm.Status = model.StatusStopping
	mon := s.monitor
	vmID := s.vm.ID
	pid := s.vm.PID
	s.mu.Unlock()

	if err := s.st.SetStatus(ctx, vmID, model.StatusStopping, pid); err != nil {
		s.log.WithError(err).Warn("persisting STOPPING status")
	}

	if mon == nil || !mon.Online() {
		s.log.Warn("QMP monitor unavailable for poweroff, forcing terminate")
		s.forceTerminateAndCleanup(ctx, false)
		return nil
	}

	if _, err := mon.Send(ctx, "system_powerdown", nil, qmpCommandTimeout); err != nil {
		s.log.WithError(err).Warn("system_powerdown failed, forcing terminate")
		s.forceTerminateAndCleanup(ctx, false)
		return nil
	}

	// A SHUTDOWN event, when QEMU honours the request, drives cleanup via
	// handleQmpShutdown.
	return nil
}

func (s *Supervisor) forceTerminateAndCleanup(ctx context.Context, useSigKill bool) {
	s.mu.RLock()
	proc := s.process
	s.mu.RUnlock()

	if proc != nil && proc.Alive() {
		sig := syscall.SIGTERM
		if useSigKill {
			sig = syscall.SIGKILL
		}
		_ = proc.Signal(sig)
	}
	s.doCleanup(ctx, useSigKill)
}

// handleTerminate implements spec.md §4.4.3.
func (s *Supervisor) handleTerminate(ctx context.Context, kill bool) error {
	s.mu.Lock()
	if s.process == nil || !s.process.Alive() {
		s.mu.Unlock()
		return model.NewError(model.ErrVMNotRunning, "VM is not running")
	}
	s.vm.Status = model.StatusStopping
	vmID := s.vm.ID
	pid := s.vm.PID
	proc := s.process
	s.mu.Unlock()

	if err := s.st.SetStatus(ctx, vmID, model.StatusStopping, pid); err != nil {
		s.log.WithError(err).Warn("persisting STOPPING status")
	}

	if kill {
		_ = proc.Signal(syscall.SIGKILL)
		s.doCleanup(ctx, true)
		return nil
	}

	_ = proc.Signal(syscall.SIGTERM)
	go s.scheduleFallbackKill()
	return nil
}

// scheduleFallbackKill implements the "falls through to SIGKILL" half of
// spec.md §4.4.3: if no SHUTDOWN event has driven cleanup within
// exitWaitTimeout of a graceful terminate, force one.
func (s *Supervisor) scheduleFallbackKill() {
	select {
	case <-time.After(exitWaitTimeout):
	case <-s.doneCh:
		return
	}

	s.mu.RLock()
	stillStopping := s.vm.Status == model.StatusStopping
	s.mu.RUnlock()
	if !stillStopping {
		return
	}

	cmd := command{kind: cmdTerminate, kill: true}
	select {
	case s.cmdCh <- cmd:
	case <-s.doneCh:
	}
}

// handleReset implements spec.md §4.4.4.
func (s *Supervisor) handleReset(ctx context.Context) error {
	s.mu.RLock()
	proc := s.process
	mon := s.monitor
	s.mu.RUnlock()

	if proc == nil || !proc.Alive() {
		return model.NewError(model.ErrVMNotRunning, "VM is not running")
	}
	if mon == nil || !mon.Online() {
		return model.NewError(model.ErrQmpConnectionError, "QMP monitor is not online")
	}
	if _, err := mon.Send(ctx, "system_reset", nil, qmpCommandTimeout); err != nil {
		return model.WrapError(model.ErrQmpConnectionError, err, "sending system_reset")
	}
	return nil
}

// doCleanup implements spec.md §4.4.5. qmpCleanup is passed through to the
// monitor's Disconnect, unlinking the QMP socket file ourselves when QEMU
// was killed and can no longer do it itself.
func (s *Supervisor) doCleanup(ctx context.Context, qmpCleanup bool) {
	s.mu.Lock()
	s.vm.Status = model.StatusStopping
	proc := s.process
	mon := s.monitor
	taps := s.taps
	vmID := s.vm.ID
	s.mu.Unlock()

	if proc != nil {
		if !s.waitForExit(proc, exitWaitTimeout) {
			_ = proc.Signal(syscall.SIGKILL)
			_ = proc.Wait()
		}
	}

	for _, d := range taps {
		if err := d.Free(ctx); err != nil {
			s.log.WithError(err).WithField("device", d.Name()).Warn("freeing TAP device during cleanup")
		}
	}

	if mon != nil {
		mon.Disconnect(qmpCleanup)
	}

	s.mu.Lock()
	s.process = nil
	s.monitor = nil
	s.taps = nil
	s.qemuStderr = nil
	s.vm.Status = model.StatusStopped
	s.vm.PID = nil
	s.mu.Unlock()

	if err := s.st.SetStatus(ctx, vmID, model.StatusStopped, nil); err != nil {
		s.log.WithError(err).Warn("persisting STOPPED after cleanup")
	}
}

func (s *Supervisor) waitForExit(proc *qemuargs.Process, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// periodic implements spec.md §4.4.6: crash detection on every queue
// timeout tick.
func (s *Supervisor) periodic() {
	s.mu.RLock()
	status := s.vm.Status
	proc := s.process
	s.mu.RUnlock()

	if status != model.StatusRunning {
		return
	}
	if proc != nil && proc.Alive() {
		return
	}

	s.log.Warn("QEMU process vanished unexpectedly, reconciling to STOPPED")
	s.doCleanup(context.Background(), false)
}

func (s *Supervisor) handleQmpNegotiationComplete(ctx context.Context, cmd command) {
	s.mu.Lock()
	if cmd.monitorGen != s.monitorGen || s.vm.Status != model.StatusStarting {
		s.mu.Unlock()
		return
	}
	s.vm.Status = model.StatusRunning
	vmID := s.vm.ID
	pid := s.vm.PID
	s.mu.Unlock()

	if err := s.st.SetStatus(ctx, vmID, model.StatusRunning, pid); err != nil {
		s.log.WithError(err).Warn("persisting RUNNING status")
	}
}

func (s *Supervisor) handleQmpNegotiationFailed(ctx context.Context, cmd command) {
	s.mu.RLock()
	mismatch := cmd.monitorGen != s.monitorGen || s.vm.Status != model.StatusStarting
	s.mu.RUnlock()
	if mismatch {
		return
	}

	s.log.WithError(cmd.qmpErr).Warn("QMP negotiation failed, aborting start")
	s.forceTerminateAndCleanup(ctx, true)
}

func (s *Supervisor) handleQmpConnectionLost(ctx context.Context, cmd command) {
	s.mu.RLock()
	mismatch := cmd.monitorGen != s.monitorGen
	alreadyDown := s.process == nil
	s.mu.RUnlock()
	if mismatch || alreadyDown {
		return
	}

	s.log.WithError(cmd.qmpErr).Warn("QMP connection lost, treating as a crash signal")
	s.doCleanup(ctx, true)
}

func (s *Supervisor) handleQmpShutdown(ctx context.Context, cmd command) {
	s.mu.RLock()
	mismatch := cmd.monitorGen != s.monitorGen
	alreadyDown := s.process == nil
	s.mu.RUnlock()
	if mismatch || alreadyDown {
		return
	}

	s.doCleanup(ctx, false)
}

// handleAddNIC, handleDelNIC, handleAddMedia, handleDelMedia,
// handleUpdateHardware and handleSetAutostart implement spec.md §4.4.7:
// hot-modify operations require Status = STOPPED and run inside the event
// loop to preserve serialization.

func (s *Supervisor) requireStopped() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.vm.Status != model.StatusStopped {
		return 0, model.NewError(model.ErrVMRunning, "VM must be STOPPED to modify hardware")
	}
	return s.vm.ID, nil
}

func (s *Supervisor) handleAddNIC(ctx context.Context, nic model.NIC) (int64, error) {
	vmID, err := s.requireStopped()
	if err != nil {
		return 0, err
	}
	if err := nic.Validate("nic"); err != nil {
		return 0, err
	}
	id, err := s.st.AddNIC(ctx, vmID, nic)
	if err != nil {
		return 0, err
	}
	nic.ID = id

	s.mu.Lock()
	s.vm.Hardware.NICs = append(s.vm.Hardware.NICs, nic)
	s.mu.Unlock()
	return id, nil
}

func (s *Supervisor) handleDelNIC(ctx context.Context, nicID int64) error {
	if _, err := s.requireStopped(); err != nil {
		return err
	}
	if err := s.st.DelNIC(ctx, nicID); err != nil {
		return err
	}

	s.mu.Lock()
	nics := s.vm.Hardware.NICs[:0]
	for _, n := range s.vm.Hardware.NICs {
		if n.ID != nicID {
			nics = append(nics, n)
		}
	}
	s.vm.Hardware.NICs = nics
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) handleAddMedia(ctx context.Context, m model.Media) (int64, error) {
	vmID, err := s.requireStopped()
	if err != nil {
		return 0, err
	}
	if err := m.Validate("media"); err != nil {
		return 0, err
	}
	id, err := s.st.AddMedia(ctx, vmID, m)
	if err != nil {
		return 0, err
	}
	m.ID = id

	s.mu.Lock()
	s.vm.Hardware.Media = append(s.vm.Hardware.Media, m)
	s.mu.Unlock()
	return id, nil
}

func (s *Supervisor) handleDelMedia(ctx context.Context, mediaID int64) error {
	if _, err := s.requireStopped(); err != nil {
		return err
	}
	if err := s.st.DelMedia(ctx, mediaID); err != nil {
		return err
	}

	s.mu.Lock()
	media := s.vm.Hardware.Media[:0]
	for _, m := range s.vm.Hardware.Media {
		if m.ID != mediaID {
			media = append(media, m)
		}
	}
	s.vm.Hardware.Media = media
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) handleUpdateHardware(ctx context.Context, hw model.Hardware) error {
	vmID, err := s.requireStopped()
	if err != nil {
		return err
	}
	if err := hw.Validate("hardware"); err != nil {
		return err
	}
	if err := s.st.UpdateHardware(ctx, vmID, hw); err != nil {
		return err
	}

	s.mu.Lock()
	s.vm.Hardware = hw
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) handleSetAutostart(ctx context.Context, on bool) error {
	vmID, err := s.requireStopped()
	if err != nil {
		return err
	}

	if err := s.st.SetAutostart(ctx, vmID, on); err != nil {
		return err
	}

	s.mu.Lock()
	s.vm.Autostart = on
	s.mu.Unlock()
	return nil
}
