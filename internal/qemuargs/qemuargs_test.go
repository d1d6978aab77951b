package qemuargs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mmvmm/mmvmm/internal/model"
)

func baseHardware() model.Hardware {
	return model.Hardware{
		RAMMiB:      2048,
		CPUs:        2,
		Boot:        model.BootDisk,
		RTCUTC:      true,
		ProductUUID: uuid.New(),
	}
}

func TestBuildBaseFlags(t *testing.T) {
	s := Spec{
		VMName:      "webserver",
		VNCDisplay:  7,
		QMPSockPath: "/run/mmvmm/qmp_abcdefabcdef.sock",
		Hardware:    baseHardware(),
	}
	args := Build(s)
	require.Equal(t, []string{
		"-monitor", "none",
		"-serial", "null",
		"-enable-kvm", "-cpu", "host",
		"-name", "webserver",
		"-vnc", ":7",
		"-qmp", "unix:/run/mmvmm/qmp_abcdefabcdef.sock,server,nowait",
		"-m", "2048",
		"-smp", "2",
		"-boot", "c",
		"-rtc", "base=utc",
	}, args)
}

func TestBuildRTCLocaltime(t *testing.T) {
	hw := baseHardware()
	hw.RTCUTC = false
	args := Build(Spec{VMName: "vm1", Hardware: hw})
	require.Contains(t, args, "base=localtime")
}

func TestBuildDriveOption(t *testing.T) {
	hw := baseHardware()
	hw.Media = []model.Media{
		{Type: model.MediaDisk, Path: "/var/lib/mmvmm/disks/a,b.qcow2", Format: model.FormatQcow2, Interface: model.IfaceVirtio},
		{Type: model.MediaCDROM, Path: "/iso/install.iso", Format: model.FormatRaw, Interface: model.IfaceIDE, ReadOnly: true},
	}
	args := Build(Spec{VMName: "vm1", Hardware: hw})

	require.Contains(t, args, "media=disk,format=qcow2,file=/var/lib/mmvmm/disks/a,,b.qcow2,read-only=off,if=virtio,cache=none")
	require.Contains(t, args, "media=cdrom,format=raw,file=/iso/install.iso,read-only=on,if=ide,cache=none")
}

func TestBuildNetdevAndDeviceOptions(t *testing.T) {
	hw := baseHardware()
	args := Build(Spec{
		VMName:   "webserver",
		Hardware: hw,
		NICs: []NIC{
			{
				Spec:     model.NIC{ID: 3, Model: model.NICVirtioNet, MAC: "52:54:00:12:34:56", Master: "br0", MTU: 1500},
				TapName:  model.TapName(3),
				NetdevID: model.NetdevID("webserver", 3),
			},
		},
	})

	require.Contains(t, args, "tap,id=webservernet3,ifname=mmvmm3,script=no,downscript=no")
	require.Contains(t, args, "virtio-net,netdev=webservernet3,mac=52:54:00:12:34:56")
}

func TestBuildNoNICsProducesNoNetdevFlags(t *testing.T) {
	args := Build(Spec{VMName: "solo", Hardware: baseHardware()})
	for _, a := range args {
		require.NotContains(t, a, "netdev")
	}
}

func TestLaunchAndWait(t *testing.T) {
	p, err := Launch(context.Background(), "/bin/true", nil)
	require.NoError(t, err)
	require.NoError(t, p.Wait())
}

func TestLaunchNonexistentBinary(t *testing.T) {
	_, err := Launch(context.Background(), "/nonexistent/binary/path", nil)
	require.Error(t, err)
}

// TestAliveReflectsReapNotZombie exercises the bug a naive kill(pid, 0)
// liveness check would get wrong: once the child exits, Alive must flip to
// false promptly even though nothing has called Wait yet, because Launch's
// background goroutine reaps it immediately rather than leaving it a zombie
// that a signal-based check would still see as present.
func TestAliveReflectsReapNotZombie(t *testing.T) {
	p, err := Launch(context.Background(), "/bin/sh", []string{"-c", "exit 0"})
	require.NoError(t, err)
	require.True(t, p.Alive())

	require.Eventually(t, func() bool {
		return !p.Alive()
	}, 2*time.Second, 10*time.Millisecond, "Alive never reflected process exit")
}
