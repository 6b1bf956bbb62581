package romfs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"devfs/internal/devman"
)

// MaxFDs is the number of files one volume can hold open at a time.
const MaxFDs = 4

const writeFlags = os.O_WRONLY | os.O_RDWR | os.O_CREATE | os.O_TRUNC | os.O_APPEND

// Device serves romfs volumes. It keeps no state of its own; every call
// operates on the *Volume registered as the instance's data, so a single
// Device can back any number of instances.
type Device struct{}

var (
	_ devman.Opener    = Device{}
	_ devman.Closer    = Device{}
	_ devman.Reader    = Device{}
	_ devman.Seeker    = Device{}
	_ devman.DirOpener = Device{}
	_ devman.DirReader = Device{}
	_ devman.DirCloser = Device{}
	_ devman.Addresser = Device{}
)

// Volume is one mounted image together with its open-file table.
type Volume struct {
	img  *Image
	base uint64
	fds  [MaxFDs]*handle
	open int
}

type handle struct {
	e   entry
	off int64
}

type cursor struct {
	pos int
}

// NewVolume returns a volume over img. base is the address the first byte
// of the image is mapped at, reported by Address.
func NewVolume(img *Image, base uint64) *Volume {
	return &Volume{img: img, base: base}
}

// Image returns the volume's image.
func (v *Volume) Image() *Image {
	return v.img
}

// OpenFiles returns the number of open files.
func (v *Volume) OpenFiles() int {
	return v.open
}

func volume(pdata any) (*Volume, error) {
	v, ok := pdata.(*Volume)
	if !ok || v == nil {
		return nil, fmt.Errorf("romfs: instance data is %T, not *romfs.Volume", pdata)
	}
	return v, nil
}

func (v *Volume) handle(fd int) (*handle, error) {
	if fd < 0 || fd >= MaxFDs || v.fds[fd] == nil {
		return nil, syscall.EBADF
	}
	return v.fds[fd], nil
}

// Kind implements devman.Device.
func (Device) Kind() string { return "romfs" }

// Open opens a stored file for reading.
func (Device) Open(_ context.Context, path string, flags int, _ fs.FileMode, pdata any) (int, error) {
	v, err := volume(pdata)
	if err != nil {
		return -1, err
	}
	if flags&writeFlags != 0 {
		logger.Debug("Rejecting write open of %q (flags %#x)", path, flags)
		return -1, syscall.EROFS
	}
	if v.open == MaxFDs {
		logger.Warn("No free descriptor for %q, %d files open", path, v.open)
		return -1, syscall.ENFILE
	}
	e, ok := v.img.lookup(strings.TrimPrefix(path, "/"))
	if !ok {
		return -1, syscall.ENOENT
	}

	for fd := range v.fds {
		if v.fds[fd] == nil {
			v.fds[fd] = &handle{e: e}
			v.open++
			logger.Trace("Opened %q as fd %d", path, fd)
			return fd, nil
		}
	}
	return -1, syscall.ENFILE
}

// Close releases fd.
func (Device) Close(_ context.Context, fd int, pdata any) error {
	v, err := volume(pdata)
	if err != nil {
		return err
	}
	if _, err := v.handle(fd); err != nil {
		return err
	}
	v.fds[fd] = nil
	v.open--
	return nil
}

// Read copies file contents from the current offset.
func (Device) Read(_ context.Context, fd int, p []byte, pdata any) (int, error) {
	v, err := volume(pdata)
	if err != nil {
		return 0, err
	}
	h, err := v.handle(fd)
	if err != nil {
		return 0, err
	}
	if h.off >= int64(h.e.size) {
		return 0, io.EOF
	}
	start := h.e.offset + int(h.off)
	n := copy(p, v.img.data[start:h.e.offset+h.e.size])
	h.off += int64(n)
	return n, nil
}

// Seek moves the offset of fd. The new offset must lie within the file.
func (Device) Seek(_ context.Context, fd int, offset int64, whence int, pdata any) (int64, error) {
	v, err := volume(pdata)
	if err != nil {
		return -1, err
	}
	h, err := v.handle(fd)
	if err != nil {
		return -1, err
	}

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = h.off + offset
	case io.SeekEnd:
		pos = int64(h.e.size) + offset
	default:
		return -1, syscall.EINVAL
	}
	if pos < 0 || pos > int64(h.e.size) {
		return -1, syscall.EINVAL
	}
	h.off = pos
	return pos, nil
}

// Address reports where the contents of fd are mapped.
func (Device) Address(_ context.Context, fd int, pdata any) (uint64, error) {
	v, err := volume(pdata)
	if err != nil {
		return 0, err
	}
	h, err := v.handle(fd)
	if err != nil {
		return 0, err
	}
	return v.base + uint64(h.e.offset), nil
}

// OpenDir lists the image. Images are flat, so only the volume root is a
// directory.
func (Device) OpenDir(_ context.Context, path string, pdata any) (any, error) {
	if _, err := volume(pdata); err != nil {
		return nil, err
	}
	if path != "/" && path != "" {
		return nil, syscall.ENOENT
	}
	return &cursor{}, nil
}

// ReadDir returns the next stored file.
func (Device) ReadDir(_ context.Context, c any, pdata any) (*devman.DirEntry, error) {
	v, err := volume(pdata)
	if err != nil {
		return nil, err
	}
	cur, ok := c.(*cursor)
	if !ok {
		return nil, syscall.EBADF
	}
	if cur.pos >= len(v.img.entries) {
		return nil, io.EOF
	}
	e := v.img.entries[cur.pos]
	cur.pos++
	return &devman.DirEntry{Name: e.name, Size: uint32(e.size)}, nil
}

// CloseDir releases a listing.
func (Device) CloseDir(_ context.Context, c any, _ any) error {
	if _, ok := c.(*cursor); !ok {
		return syscall.EBADF
	}
	return nil
}
