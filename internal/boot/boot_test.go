package boot

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devfs/internal/config"
	"devfs/internal/devman"
	"devfs/internal/remotefs"
	"devfs/internal/romfs"
)

func writeImage(t *testing.T, dir string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, romfs.Build(&buf, []romfs.File{{Name: "boot.cfg", Data: []byte("speed=115200")}}))
	path := filepath.Join(dir, "rom.img")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func startServer(t *testing.T, root string) string {
	t.Helper()
	srv, err := remotefs.NewServer(root, 0)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestBoot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	hostRoot := filepath.Join(dir, "share")
	require.NoError(t, os.Mkdir(hostRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hostRoot, "notes.txt"), []byte("host"), 0o644))
	remoteRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(remoteRoot, "r.txt"), []byte("remote"), 0o644))

	cfg := config.Default()
	cfg.Console.CRLF = true
	cfg.MaxOpenDirs = 2
	cfg.Devices = []config.Device{
		{Name: "/rom", Type: config.TypeROMFS, Image: writeImage(t, dir), Base: 0x1000},
		{Name: "/rfs", Type: config.TypeRemoteFS, Network: "tcp", Address: startServer(t, remoteRoot), Timeout: time.Second},
		{Name: "/host", Type: config.TypeHostFS, Root: hostRoot},
	}

	var out bytes.Buffer
	sys, err := Boot(ctx, cfg, Streams{In: strings.NewReader("hi\r"), Out: &out})
	require.NoError(t, err)
	defer sys.Close()
	m := sys.Manager

	assert.Equal(t, []string{"/std", "/rom", "/rfs", "/host"}, m.Registry().Names())

	_, err = m.Write(ctx, devman.Stdout, []byte("ok\n"))
	require.NoError(t, err)
	assert.Equal(t, "ok\r\n", out.String())
	buf := make([]byte, 8)
	n, err := m.Read(ctx, devman.Stdin, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(buf[:n]))

	for path, want := range map[string]string{
		"/rom/boot.cfg":   "speed=115200",
		"/rfs/r.txt":      "remote",
		"/host/notes.txt": "host",
	} {
		d, err := m.Open(ctx, path, os.O_RDONLY, 0)
		require.NoError(t, err, path)
		data := make([]byte, 32)
		n, err := m.Read(ctx, d, data)
		require.NoError(t, err, path)
		assert.Equal(t, want, string(data[:n]), path)
		require.NoError(t, m.Close(ctx, d))
	}

	d, err := m.Open(ctx, "/rom/boot.cfg", os.O_RDONLY, 0)
	require.NoError(t, err)
	addr, err := m.Address(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000+len("boot.cfg\x00")+3+4), addr)
}

func TestBootWithoutConsole(t *testing.T) {
	cfg := config.Default()
	cfg.Console.Enabled = false
	cfg.Devices = []config.Device{{Name: "/host", Type: config.TypeHostFS, Root: t.TempDir()}}

	sys, err := Boot(context.Background(), cfg, StdStreams())
	require.NoError(t, err)
	defer sys.Close()

	assert.Equal(t, []string{"/host"}, sys.Manager.Registry().Names())
	_, err = sys.Manager.Write(context.Background(), devman.Stdout, []byte("x"))
	assert.Error(t, err)
}

func TestBootFailureReleasesDevices(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := config.Default()
	cfg.Devices = []config.Device{
		{Name: "/host", Type: config.TypeHostFS, Root: t.TempDir()},
		{Name: "/rfs", Type: config.TypeRemoteFS, Network: "tcp", Address: addr},
	}
	sys, err := Boot(ctx, cfg, StdStreams())
	require.Error(t, err)
	assert.Nil(t, sys)
	assert.Contains(t, err.Error(), "device /rfs")
}

func TestBootRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Devices = []config.Device{{Name: "/rom", Type: config.TypeROMFS}}
	_, err := Boot(context.Background(), cfg, StdStreams())
	require.ErrorIs(t, err, config.ErrInvalid)

	cfg.Devices[0].Image = filepath.Join(t.TempDir(), "missing.img")
	_, err = Boot(context.Background(), cfg, StdStreams())
	require.ErrorIs(t, err, os.ErrNotExist)
}
