package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mmvmm/mmvmm/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "mmvmm.db")
	s, err := Open(dsn, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleDescription(name string) model.Description {
	return model.Description{
		Name:      name,
		Autostart: false,
		Hardware: model.Hardware{
			RAMMiB:      1024,
			CPUs:        1,
			Boot:        model.BootDisk,
			RTCUTC:      true,
			ProductUUID: uuid.New(),
			NICs: []model.NIC{
				{Model: model.NICVirtioNet, MAC: "52:54:00:00:00:01", Master: "br0", MTU: 1500},
			},
			Media: []model.Media{
				{Type: model.MediaDisk, Path: "/var/lib/mmvmm/a.qcow2", Format: model.FormatQcow2, Interface: model.IfaceVirtio},
			},
		},
	}
}

func TestNewAndGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vm, err := s.New(ctx, sampleDescription("web1"))
	require.NoError(t, err)
	require.Equal(t, model.StatusNew, vm.Status)
	require.NotZero(t, vm.ID)

	got, err := s.Get(ctx, vm.ID)
	require.NoError(t, err)
	require.Equal(t, "web1", got.Name)
	require.Len(t, got.Hardware.NICs, 1)
	require.Len(t, got.Hardware.Media, 1)
	require.Equal(t, vm.Hardware.ProductUUID, got.Hardware.ProductUUID)
}

func TestNewDuplicateNameRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.New(ctx, sampleDescription("dup"))
	require.NoError(t, err)

	_, err = s.New(ctx, sampleDescription("dup"))
	require.Error(t, err)
	require.Equal(t, model.ErrDuplicateName, model.KindOf(err))
}

func TestDeleteCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vm, err := s.New(ctx, sampleDescription("gone"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, vm.ID))

	_, err = s.Get(ctx, vm.ID)
	require.Error(t, err)
	require.Equal(t, model.ErrUnknownVM, model.KindOf(err))
}

func TestDeleteUnknownVM(t *testing.T) {
	s := openTestStore(t)
	err := s.Delete(context.Background(), 9999)
	require.Error(t, err)
	require.Equal(t, model.ErrUnknownVM, model.KindOf(err))
}

func TestUpdateHardwareReplacesNICsAndMedia(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vm, err := s.New(ctx, sampleDescription("upd"))
	require.NoError(t, err)

	newHW := model.Hardware{
		RAMMiB: 4096, CPUs: 4, Boot: model.BootNet, RTCUTC: false,
		ProductUUID: uuid.New(),
	}
	require.NoError(t, s.UpdateHardware(ctx, vm.ID, newHW))

	got, err := s.Get(ctx, vm.ID)
	require.NoError(t, err)
	require.Equal(t, 4096, got.Hardware.RAMMiB)
	require.Empty(t, got.Hardware.NICs)
	require.Empty(t, got.Hardware.Media)
}

func TestAddAndDelNIC(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vm, err := s.New(ctx, sampleDescription("nicvm"))
	require.NoError(t, err)

	nicID, err := s.AddNIC(ctx, vm.ID, model.NIC{Model: model.NICE1000, MAC: "52:54:00:00:00:02", Master: "br1", MTU: 1500})
	require.NoError(t, err)

	got, err := s.Get(ctx, vm.ID)
	require.NoError(t, err)
	require.Len(t, got.Hardware.NICs, 2)

	require.NoError(t, s.DelNIC(ctx, nicID))
	got, err = s.Get(ctx, vm.ID)
	require.NoError(t, err)
	require.Len(t, got.Hardware.NICs, 1)
}

func TestDelNICUnknown(t *testing.T) {
	s := openTestStore(t)
	err := s.DelNIC(context.Background(), 424242)
	require.Error(t, err)
}

func TestSetAutostartAndStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vm, err := s.New(ctx, sampleDescription("autostart"))
	require.NoError(t, err)

	require.NoError(t, s.SetAutostart(ctx, vm.ID, true))
	pid := int64(1234)
	require.NoError(t, s.SetStatus(ctx, vm.ID, model.StatusRunning, &pid))

	got, err := s.Get(ctx, vm.ID)
	require.NoError(t, err)
	require.True(t, got.Autostart)
	require.Equal(t, model.StatusRunning, got.Status)
	require.NotNil(t, got.PID)
	require.Equal(t, pid, *got.PID)
}

func TestListOrderedByName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mu"} {
		_, err := s.New(ctx, sampleDescription(name))
		require.NoError(t, err)
	}

	vms, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, vms, 3)
	require.Equal(t, []string{"alpha", "mu", "zeta"}, []string{vms[0].Name, vms[1].Name, vms[2].Name})
}

func TestListAutostartOnlyReturnsFlagged(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d1 := sampleDescription("auto1")
	d1.Autostart = true
	vm1, err := s.New(ctx, d1)
	require.NoError(t, err)

	_, err = s.New(ctx, sampleDescription("manual"))
	require.NoError(t, err)

	vms, err := s.ListAutostart(ctx)
	require.NoError(t, err)
	require.Len(t, vms, 1)
	require.Equal(t, vm1.ID, vms[0].ID)
}
