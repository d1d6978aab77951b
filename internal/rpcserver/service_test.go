package rpcserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mmvmm/mmvmm/internal/registry"
	"github.com/mmvmm/mmvmm/internal/store"
	"github.com/mmvmm/mmvmm/internal/tapdev"
)

func fakeIP(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ip")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "mmvmm.db"), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tapMgr := tapdev.New(fakeIP(t), logrus.NewEntry(logrus.New()))
	reg := registry.New(st, tapMgr, "/nonexistent/qemu", dir, logrus.NewEntry(logrus.New()))
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(func() { reg.Close(context.Background(), time.Second) })

	return NewService(reg, logrus.NewEntry(logrus.New()))
}

func TestServiceNewThenInfoRoundTrips(t *testing.T) {
	svc := newTestService(t)

	var empty Empty
	err := svc.New(&NewArgs{Description: VMDesc{
		Name: "demo",
		Hardware: HardwareDesc{
			RAMMiB: 512,
			CPUs:   2,
			Boot:   "c",
			Media: []MediaDesc{
				{Type: "cdrom", Path: "/iso/x.iso", Format: "raw", ReadOnly: true, Interface: "ide"},
			},
		},
	}}, &empty)
	require.NoError(t, err)

	var info InfoReply
	require.NoError(t, svc.Info(&NameArgs{Name: "demo"}, &info))
	require.Equal(t, "demo", info.VM.Name)
	require.Equal(t, "STOPPED", info.VM.Status)
	require.Equal(t, 512, info.VM.Hardware.RAMMiB)
	require.Len(t, info.VM.Hardware.Media, 1)
	require.Equal(t, "/iso/x.iso", info.VM.Hardware.Media[0].Path)
}

func TestServiceNewRejectsDuplicateName(t *testing.T) {
	svc := newTestService(t)
	var empty Empty
	args := &NewArgs{Description: VMDesc{Name: "demo", Hardware: HardwareDesc{RAMMiB: 256, CPUs: 1}}}
	require.NoError(t, svc.New(args, &empty))

	err := svc.New(args, &empty)
	require.Error(t, err)
}

func TestServiceGetVMListSorted(t *testing.T) {
	svc := newTestService(t)
	var empty Empty
	for _, n := range []string{"zeta", "alpha"} {
		require.NoError(t, svc.New(&NewArgs{Description: VMDesc{Name: n, Hardware: HardwareDesc{RAMMiB: 128, CPUs: 1}}}, &empty))
	}

	var list VMListReply
	require.NoError(t, svc.GetVMList(&empty, &list))
	require.Equal(t, []string{"alpha", "zeta"}, list.Names)
}

func TestServiceIsRunningUnknownVM(t *testing.T) {
	svc := newTestService(t)
	var reply BoolReply
	err := svc.IsRunning(&NameArgs{Name: "ghost"}, &reply)
	require.Error(t, err)
}

func TestServiceAddNICThenDelNIC(t *testing.T) {
	svc := newTestService(t)
	var empty Empty
	require.NoError(t, svc.New(&NewArgs{Description: VMDesc{Name: "demo", Hardware: HardwareDesc{RAMMiB: 128, CPUs: 1}}}, &empty))

	var idReply IDReply
	require.NoError(t, svc.AddNIC(&AddNICArgs{Name: "demo", NIC: NICDesc{MAC: "52:54:00:00:00:30", Master: "br0"}}, &idReply))
	require.NotZero(t, idReply.ID)

	var info InfoReply
	require.NoError(t, svc.Info(&NameArgs{Name: "demo"}, &info))
	require.Len(t, info.VM.Hardware.NICs, 1)

	require.NoError(t, svc.DelNIC(&DelNICArgs{Name: "demo", ID: idReply.ID}, &empty))
	require.NoError(t, svc.Info(&NameArgs{Name: "demo"}, &info))
	require.Empty(t, info.VM.Hardware.NICs)
}
