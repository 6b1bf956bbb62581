package romfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devfs/internal/devman"
)

func buildImage(t *testing.T, files ...File) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Build(&buf, files))
	return buf.Bytes()
}

func TestBuildLayout(t *testing.T) {
	got := buildImage(t, File{Name: "a", Data: []byte("xyz")})
	want := []byte{
		'a', 0, 0, 0,
		3, 0, 0, 0,
		'x', 'y', 'z', 0,
		0xFF,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("image mismatch (-want +got):\n%s", diff)
	}
}

func TestParse(t *testing.T) {
	data := buildImage(t,
		File{Name: "main.lua", Data: []byte("print('hi')")},
		File{Name: "boot.cfg", Data: []byte("console=uart0\n")},
		File{Name: "empty", Data: nil},
	)
	img, err := Parse(data)
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"boot.cfg", "empty", "main.lua"}, img.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	for _, e := range img.entries {
		assert.Zero(t, e.offset%align, "%s data not aligned", e.name)
	}
	e, ok := img.lookup("boot.cfg")
	require.True(t, ok)
	assert.Equal(t, "console=uart0\n", string(data[e.offset:e.offset+e.size]))
}

func TestParseEmptyImage(t *testing.T) {
	img, err := Parse([]byte{0xFF})
	require.NoError(t, err)
	assert.Empty(t, img.Names())
}

func TestParseCorrupt(t *testing.T) {
	valid := buildImage(t, File{Name: "a", Data: []byte("xyz")})
	long := append(bytes.Repeat([]byte{'n'}, devman.MaxFileName+1), 0, 0xFF)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "missing end marker", data: valid[:len(valid)-1]},
		{name: "truncated size", data: valid[:6]},
		{name: "size past end", data: append(append([]byte{}, valid[:8]...), 0xFF)},
		{name: "name too long", data: long},
		{name: "empty name", data: []byte{0, 0, 0, 0, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestBuildRejects(t *testing.T) {
	tests := []struct {
		name  string
		files []File
	}{
		{name: "empty name", files: []File{{Name: ""}}},
		{name: "separator", files: []File{{Name: "lib/x.lua"}}},
		{name: "duplicate", files: []File{{Name: "a"}, {Name: "a"}}},
		{name: "too long", files: []File{{Name: string(bytes.Repeat([]byte{'n'}, devman.MaxFileName+1))}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Build(io.Discard, tt.files))
		})
	}
}

func TestLoadCompressed(t *testing.T) {
	raw := buildImage(t, File{Name: "a.txt", Data: bytes.Repeat([]byte("romfs "), 100)})
	packed, err := Compress(raw)
	require.NoError(t, err)
	require.Less(t, len(packed), len(raw))

	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.img")
	zst := filepath.Join(dir, "packed.img")
	require.NoError(t, os.WriteFile(plain, raw, 0o644))
	require.NoError(t, os.WriteFile(zst, packed, 0o644))

	a, err := Load(plain)
	require.NoError(t, err)
	b, err := Load(zst)
	require.NoError(t, err)
	assert.Equal(t, a.Names(), b.Names())
	assert.Equal(t, a.Size(), b.Size())

	_, err = Load(filepath.Join(dir, "missing.img"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func newTestVolume(t *testing.T) (*devman.Manager, *Volume) {
	t.Helper()
	img, err := Parse(buildImage(t,
		File{Name: "a", Data: []byte("xyz")},
		File{Name: "boot.cfg", Data: []byte("console=uart0\n")},
		File{Name: "main.lua", Data: []byte("print('hi')")},
	))
	require.NoError(t, err)

	vol := NewVolume(img, 0x08000000)
	m := devman.NewManager()
	_, err = m.Register("/rom", vol, Device{})
	require.NoError(t, err)
	return m, vol
}

func TestReadThroughManager(t *testing.T) {
	ctx := context.Background()
	m, vol := newTestVolume(t)

	d, err := m.Open(ctx, "/rom/boot.cfg", os.O_RDONLY, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, vol.OpenFiles())

	buf := make([]byte, 7)
	n, err := m.Read(ctx, d, buf)
	require.NoError(t, err)
	assert.Equal(t, "console", string(buf[:n]))

	off, err := m.Seek(ctx, d, -6, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(8), off)
	n, err = m.Read(ctx, d, buf)
	require.NoError(t, err)
	assert.Equal(t, "uart0\n", string(buf[:n]))

	_, err = m.Read(ctx, d, buf)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, m.Close(ctx, d))
	assert.Equal(t, 0, vol.OpenFiles())
}

func TestSeekBounds(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestVolume(t)
	d, err := m.Open(ctx, "/rom/a", os.O_RDONLY, 0)
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset int64
		whence int
		want   int64
		err    error
	}{
		{name: "start", offset: 1, whence: io.SeekStart, want: 1},
		{name: "current", offset: 1, whence: io.SeekCurrent, want: 2},
		{name: "end", offset: 0, whence: io.SeekEnd, want: 3},
		{name: "past end", offset: 1, whence: io.SeekEnd, err: syscall.EINVAL},
		{name: "before start", offset: -1, whence: io.SeekStart, err: syscall.EINVAL},
		{name: "bad whence", offset: 0, whence: 42, err: syscall.EINVAL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Seek(ctx, d, tt.offset, tt.whence)
			if tt.err != nil {
				assert.Equal(t, tt.err, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddress(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestVolume(t)

	d, err := m.Open(ctx, "/rom/a", os.O_RDONLY, 0)
	require.NoError(t, err)
	addr, err := m.Address(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x08000000+8), addr)
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	m, vol := newTestVolume(t)

	_, err := m.Open(ctx, "/rom/missing", os.O_RDONLY, 0)
	assert.Equal(t, syscall.ENOENT, err)
	_, err = m.Open(ctx, "/rom/a", os.O_RDWR, 0)
	assert.Equal(t, syscall.EROFS, err)
	_, err = m.Open(ctx, "/rom/new", os.O_WRONLY|os.O_CREATE, 0o644)
	assert.Equal(t, syscall.EROFS, err)

	var open []devman.Descriptor
	for i := 0; i < MaxFDs; i++ {
		d, err := m.Open(ctx, "/rom/a", os.O_RDONLY, 0)
		require.NoError(t, err)
		open = append(open, d)
	}
	_, err = m.Open(ctx, "/rom/a", os.O_RDONLY, 0)
	assert.Equal(t, syscall.ENFILE, err)

	// A freed slot is reused.
	require.NoError(t, m.Close(ctx, open[1]))
	d, err := m.Open(ctx, "/rom/main.lua", os.O_RDONLY, 0)
	require.NoError(t, err)
	assert.Equal(t, open[1], d)
	assert.Equal(t, MaxFDs, vol.OpenFiles())
}

func TestReadOnlyCapabilities(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestVolume(t)

	d, err := m.Open(ctx, "/rom/a", os.O_RDONLY, 0)
	require.NoError(t, err)
	_, err = m.Write(ctx, d, []byte("x"))
	require.ErrorIs(t, err, devman.ErrUnsupported)

	err = m.Unlink(ctx, "/rom/a")
	require.ErrorIs(t, err, devman.ErrUnsupported)
	assert.Equal(t, syscall.EPERM, devman.ToErrno(err))
}

func TestListing(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestVolume(t)

	dir, err := m.OpenDir(ctx, "/rom")
	require.NoError(t, err)
	var got []devman.DirEntry
	for {
		e, err := m.ReadDir(ctx, dir)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, *e)
	}
	require.NoError(t, m.CloseDir(ctx, dir))

	want := []devman.DirEntry{
		{Name: "a", Size: 3},
		{Name: "boot.cfg", Size: 14},
		{Name: "main.lua", Size: 11},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}

	_, err = m.OpenDir(ctx, "/rom/sub")
	assert.Equal(t, syscall.ENOENT, err)
}

func TestVolumesAreIndependent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestVolume(t)
	img, err := Parse(buildImage(t, File{Name: "a", Data: []byte("other")}))
	require.NoError(t, err)
	_, err = m.Register("/rom2", NewVolume(img, 0), Device{})
	require.NoError(t, err)

	d1, err := m.Open(ctx, "/rom/a", os.O_RDONLY, 0)
	require.NoError(t, err)
	d2, err := m.Open(ctx, "/rom2/a", os.O_RDONLY, 0)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := m.Read(ctx, d2, buf)
	require.NoError(t, err)
	assert.Equal(t, "other", string(buf[:n]))
	n, err = m.Read(ctx, d1, buf)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(buf[:n]))
}
