package vfs_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/fdops"
	"github.com/biscuit-teach/miniswap/internal/mem"
	"github.com/biscuit-teach/miniswap/internal/vfs"
)

func TestStatDeviceSnapshotReportsFreeFramesAndProcCount(t *testing.T) {
	cm := mem.NewCoremap(16, 0)
	sd := vfs.NewStatDevice(cm, func() int { return 3 })

	buf := make([]byte, 4096)
	n, err := sd.Read(buf)
	require.Zero(t, err)
	require.Greater(t, n, 0)

	body := string(buf[:n])
	require.Contains(t, body, "frames_free=16")
	require.Contains(t, body, "procs=3")
}

func TestStatDeviceRejectsWriteAndSeek(t *testing.T) {
	cm := mem.NewCoremap(4, 0)
	sd := vfs.NewStatDevice(cm, func() int { return 0 })

	_, err := sd.Write([]byte("x"))
	require.Equal(t, -defs.EPERM, err)

	_, err = sd.Lseek(0, defs.SEEK_SET)
	require.Equal(t, -defs.ESPIPE, err)
}

func TestStatDeviceFstatReportsDstatDevice(t *testing.T) {
	cm := mem.NewCoremap(4, 0)
	sd := vfs.NewStatDevice(cm, func() int { return 1 })

	var st fdops.Stat_t
	require.Zero(t, sd.Fstat(&st))
	require.Equal(t, defs.Mkdev(defs.D_STAT, 0), st.Dev)
	require.NotZero(t, st.Size)
}

func TestVFSOpenStatPathRequiresInstall(t *testing.T) {
	console := vfs.NewConsole(strings.NewReader(""), &strings.Builder{})
	v := vfs.New(console)

	_, err := v.Open("stat:", defs.O_RDONLY)
	require.Equal(t, -defs.EINVAL, err)

	cm := mem.NewCoremap(8, 0)
	v.InstallStatDevice(vfs.NewStatDevice(cm, func() int { return 0 }))

	fops, err := v.Open("stat:", defs.O_RDONLY)
	require.Zero(t, err)
	require.NotNil(t, fops)
}
