package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mmvmm/mmvmm/internal/model"
	"github.com/mmvmm/mmvmm/internal/qemuargs"
	"github.com/mmvmm/mmvmm/internal/store"
	"github.com/mmvmm/mmvmm/internal/tapdev"
)

// fakeIP writes a shell script standing in for the `ip` binary, always
// succeeding, mirroring internal/tapdev's own test helper.
func fakeIP(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ip")
	script := "#!/bin/sh\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestSupervisor(t *testing.T) (*Supervisor, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "mmvmm.db"), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	desc := model.Description{
		Name: "testvm",
		Hardware: model.Hardware{
			RAMMiB: 512, CPUs: 1, Boot: model.BootDisk, RTCUTC: true,
			ProductUUID: uuid.New(),
		},
	}
	vm, err := st.New(context.Background(), desc)
	require.NoError(t, err)
	vm.Status = model.StatusStopped
	require.NoError(t, st.SetStatus(context.Background(), vm.ID, model.StatusStopped, nil))

	tapMgr := tapdev.New(fakeIP(t), logrus.NewEntry(logrus.New()))
	sup := New(vm, st, tapMgr, "/nonexistent/qemu", dir, logrus.NewEntry(logrus.New()), false)
	return sup, st
}

func TestStartRejectedWhenNotStopped(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.vm.Status = model.StatusRunning

	err := sup.handleStart(context.Background())
	require.Error(t, err)
	require.Equal(t, model.ErrVMRunning, model.KindOf(err))
}

func TestPowerOffWhenNotRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	err := sup.handlePowerOff(context.Background())
	require.Error(t, err)
	require.Equal(t, model.ErrVMNotRunning, model.KindOf(err))
}

func TestResetWhenNotRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	err := sup.handleReset(context.Background())
	require.Error(t, err)
	require.Equal(t, model.ErrVMNotRunning, model.KindOf(err))
}

func TestTerminateWhenNotRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	err := sup.handleTerminate(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, model.ErrVMNotRunning, model.KindOf(err))
}

func TestAddNICThenDelNICWhenStopped(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	id, err := sup.handleAddNIC(ctx, model.NIC{Model: model.NICVirtioNet, MAC: "52:54:00:00:00:09", Master: "br0", MTU: 1500})
	require.NoError(t, err)
	require.Len(t, sup.Snapshot().Hardware.NICs, 1)

	require.NoError(t, sup.handleDelNIC(ctx, id))
	require.Empty(t, sup.Snapshot().Hardware.NICs)
}

func TestAddNICRejectedWhenRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.vm.Status = model.StatusRunning

	_, err := sup.handleAddNIC(context.Background(), model.NIC{Model: model.NICVirtioNet, MAC: "52:54:00:00:00:0a", Master: "br0", MTU: 1500})
	require.Error(t, err)
	require.Equal(t, model.ErrVMRunning, model.KindOf(err))
}

func TestAddMediaThenDelMediaWhenStopped(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	id, err := sup.handleAddMedia(ctx, model.Media{Type: model.MediaDisk, Path: "/tmp/a.qcow2", Format: model.FormatQcow2, Interface: model.IfaceVirtio})
	require.NoError(t, err)
	require.Len(t, sup.Snapshot().Hardware.Media, 1)

	require.NoError(t, sup.handleDelMedia(ctx, id))
	require.Empty(t, sup.Snapshot().Hardware.Media)
}

func TestUpdateHardwareWhenStopped(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	newHW := model.Hardware{RAMMiB: 2048, CPUs: 2, Boot: model.BootNet, RTCUTC: false, ProductUUID: uuid.New()}

	require.NoError(t, sup.handleUpdateHardware(context.Background(), newHW))
	require.Equal(t, 2048, sup.Snapshot().Hardware.RAMMiB)
}

func TestUpdateHardwareRejectsInvalid(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	bad := model.Hardware{RAMMiB: 0, CPUs: 1, ProductUUID: uuid.New()}

	err := sup.handleUpdateHardware(context.Background(), bad)
	require.Error(t, err)
	require.Equal(t, model.ErrValidation, model.KindOf(err))
}

func TestSetAutostartWhenStoppedAndRejectedWhenRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	require.NoError(t, sup.handleSetAutostart(context.Background(), true))
	require.True(t, sup.Snapshot().Autostart)

	sup.vm.Status = model.StatusRunning
	err := sup.handleSetAutostart(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, model.ErrVMRunning, model.KindOf(err))
}

func TestSnapshotReturnsIndependentCopy(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	_, err := sup.handleAddNIC(ctx, model.NIC{Model: model.NICVirtioNet, MAC: "52:54:00:00:00:0b", Master: "br0", MTU: 1500})
	require.NoError(t, err)

	snap := sup.Snapshot()
	snap.Hardware.NICs[0].MAC = "00:00:00:00:00:00"

	require.NotEqual(t, "00:00:00:00:00:00", sup.Snapshot().Hardware.NICs[0].MAC)
}

func TestRunAndStop(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	go sup.Run()

	select {
	case <-sup.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop never started")
	}
	require.True(t, sup.IsAlive())

	sup.Stop()
	require.False(t, sup.IsAlive())

	select {
	case <-sup.Done():
	default:
		t.Fatal("Done channel should be closed after Stop returns")
	}
}

func TestPeriodicDetectsCrashedProcess(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	proc, err := qemuargs.Launch(context.Background(), "/bin/sh", []string{"-c", "exit 0"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !proc.Alive()
	}, 2*time.Second, 10*time.Millisecond, "fake process never exited")

	sup.mu.Lock()
	sup.process = proc
	sup.vm.Status = model.StatusRunning
	sup.mu.Unlock()

	sup.periodic()

	require.Equal(t, model.StatusStopped, sup.Snapshot().Status)
	require.Nil(t, sup.Snapshot().PID)
}

func TestDoCleanupFreesTaps(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	dev, err := sup.tapMgr.Create(context.Background(), 777, "br0", 1500)
	require.NoError(t, err)

	sup.mu.Lock()
	sup.taps = []*tapdev.Device{dev}
	sup.vm.Status = model.StatusStopping
	sup.mu.Unlock()

	sup.doCleanup(context.Background(), false)

	require.Empty(t, sup.Snapshot().Hardware.NICs) // unrelated to taps, sanity that hardware untouched
	require.Equal(t, model.StatusStopped, sup.Snapshot().Status)
	require.Error(t, dev.Free(context.Background()), "doCleanup should already have freed the TAP device")
}

func TestSubmitReturnsErrorAfterStop(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	go sup.Run()
	<-sup.Started()
	sup.Stop()

	err := sup.Reset(context.Background())
	require.Error(t, err)
}

func TestSubmitRespectsContextCancellation(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	// Event loop never started: submit must still respect ctx cancellation
	// rather than blocking forever on an unserviced command channel.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sup.Reset(ctx)
	require.Error(t, err)
}

func TestVMIDMatchesStoredVM(t *testing.T) {
	sup, st := newTestSupervisor(t)
	vms, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, vms, 1)
	require.Equal(t, vms[0].ID, sup.VMID())
}

var _ = fmt.Sprintf
