// Package hostfs exposes a directory of the host filesystem as a device,
// the way a semihosting debugger exposes the developer's machine to a
// target board.
package hostfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"devfs/internal/devman"
	"devfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("hostfs")
)

// DefaultMaxFiles bounds the open files of one volume.
const DefaultMaxFiles = 64

// Device serves hostfs volumes; all state lives in the *Volume passed as
// instance data.
type Device struct{}

var (
	_ devman.Opener    = Device{}
	_ devman.Closer    = Device{}
	_ devman.Reader    = Device{}
	_ devman.Writer    = Device{}
	_ devman.Seeker    = Device{}
	_ devman.DirOpener = Device{}
	_ devman.DirReader = Device{}
	_ devman.DirCloser = Device{}
	_ devman.Mkdirer   = Device{}
	_ devman.Unlinker  = Device{}
	_ devman.Rmdirer   = Device{}
	_ devman.Renamer   = Device{}
)

// Volume is a host directory and the files opened below it.
type Volume struct {
	root     string
	maxFiles int

	mu    sync.Mutex
	files map[int]*os.File
}

type cursor struct {
	entries []fs.DirEntry
	pos     int
}

// NewVolume returns a volume rooted at root, which must be an existing
// directory. maxFiles <= 0 selects DefaultMaxFiles.
func NewVolume(root string, maxFiles int) (*Volume, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}
	if maxFiles <= 0 || maxFiles > devman.MaxLocal+1 {
		maxFiles = DefaultMaxFiles
	}
	logger.Debug("Serving host directory %s (max %d files)", abs, maxFiles)
	return &Volume{root: abs, maxFiles: maxFiles, files: make(map[int]*os.File)}, nil
}

// Root returns the host directory backing the volume.
func (v *Volume) Root() string {
	return v.root
}

// OpenFiles returns the number of open files.
func (v *Volume) OpenFiles() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.files)
}

// CloseAll closes every file still open on the volume.
func (v *Volume) CloseAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for fd, f := range v.files {
		if err := f.Close(); err != nil {
			logger.Warn("Closing fd %d (%s): %v", fd, f.Name(), err)
		}
		delete(v.files, fd)
	}
}

// hostPath maps a volume path to the host. Cleaning the path as if it were
// absolute drops every ".." that would climb above the root.
func (v *Volume) hostPath(path string) string {
	return filepath.Join(v.root, filepath.FromSlash(filepath.Clean("/"+path)))
}

func (v *Volume) file(fd int) (*os.File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.files[fd]
	if !ok {
		return nil, syscall.EBADF
	}
	return f, nil
}

func volume(pdata any) (*Volume, error) {
	v, ok := pdata.(*Volume)
	if !ok || v == nil {
		return nil, fmt.Errorf("hostfs: instance data is %T, not *hostfs.Volume", pdata)
	}
	return v, nil
}

// Kind implements devman.Device.
func (Device) Kind() string { return "hostfs" }

// Open opens a host file. flags take the os.O_* values.
func (Device) Open(_ context.Context, path string, flags int, mode fs.FileMode, pdata any) (int, error) {
	v, err := volume(pdata)
	if err != nil {
		return -1, err
	}
	if mode == 0 {
		mode = 0o644
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.files) >= v.maxFiles {
		logger.Warn("No free descriptor for %q, %d files open", path, len(v.files))
		return -1, syscall.ENFILE
	}

	f, err := os.OpenFile(v.hostPath(path), flags, mode.Perm())
	if err != nil {
		logger.Debug("Failed to open %q: %v", path, err)
		return -1, err
	}
	// Directories are only reachable through OpenDir.
	if info, err := f.Stat(); err != nil || info.IsDir() {
		f.Close()
		if err != nil {
			return -1, err
		}
		return -1, &fs.PathError{Op: "open", Path: path, Err: syscall.EISDIR}
	}
	fd := 0
	for ; ; fd++ {
		if _, used := v.files[fd]; !used {
			break
		}
	}
	v.files[fd] = f
	logger.Trace("Opened %q as fd %d", path, fd)
	return fd, nil
}

// Close closes fd.
func (Device) Close(_ context.Context, fd int, pdata any) error {
	v, err := volume(pdata)
	if err != nil {
		return err
	}
	v.mu.Lock()
	f, ok := v.files[fd]
	delete(v.files, fd)
	v.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	return f.Close()
}

// Read reads from fd.
func (Device) Read(_ context.Context, fd int, p []byte, pdata any) (int, error) {
	v, err := volume(pdata)
	if err != nil {
		return 0, err
	}
	f, err := v.file(fd)
	if err != nil {
		return 0, err
	}
	return f.Read(p)
}

// Write writes to fd.
func (Device) Write(_ context.Context, fd int, p []byte, pdata any) (int, error) {
	v, err := volume(pdata)
	if err != nil {
		return 0, err
	}
	f, err := v.file(fd)
	if err != nil {
		return 0, err
	}
	return f.Write(p)
}

// Seek repositions fd.
func (Device) Seek(_ context.Context, fd int, offset int64, whence int, pdata any) (int64, error) {
	v, err := volume(pdata)
	if err != nil {
		return -1, err
	}
	f, err := v.file(fd)
	if err != nil {
		return -1, err
	}
	return f.Seek(offset, whence)
}

// OpenDir snapshots the listing of a host directory.
func (Device) OpenDir(_ context.Context, path string, pdata any) (any, error) {
	v, err := volume(pdata)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(v.hostPath(path))
	if err != nil {
		return nil, err
	}
	return &cursor{entries: entries}, nil
}

// ReadDir returns the next entry. Entries that vanish between OpenDir and
// ReadDir are skipped.
func (Device) ReadDir(_ context.Context, c any, _ any) (*devman.DirEntry, error) {
	cur, ok := c.(*cursor)
	if !ok {
		return nil, syscall.EBADF
	}
	for cur.pos < len(cur.entries) {
		de := cur.entries[cur.pos]
		cur.pos++
		info, err := de.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e := &devman.DirEntry{
			Name:    de.Name(),
			IsDir:   de.IsDir(),
			ModTime: uint32(info.ModTime().Unix()),
		}
		if !e.IsDir {
			e.Size = uint32(info.Size())
		}
		return e, nil
	}
	return nil, io.EOF
}

// CloseDir releases a listing.
func (Device) CloseDir(_ context.Context, c any, _ any) error {
	cur, ok := c.(*cursor)
	if !ok {
		return syscall.EBADF
	}
	cur.entries = nil
	return nil
}

// Mkdir creates a directory.
func (Device) Mkdir(_ context.Context, path string, mode fs.FileMode, pdata any) error {
	v, err := volume(pdata)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o755
	}
	return os.Mkdir(v.hostPath(path), mode.Perm())
}

// Unlink removes a file. Directories are refused.
func (Device) Unlink(_ context.Context, path string, pdata any) error {
	v, err := volume(pdata)
	if err != nil {
		return err
	}
	p := v.hostPath(path)
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return &fs.PathError{Op: "unlink", Path: path, Err: syscall.EISDIR}
	}
	return os.Remove(p)
}

// Rmdir removes an empty directory. The volume root cannot be removed.
func (Device) Rmdir(_ context.Context, path string, pdata any) error {
	v, err := volume(pdata)
	if err != nil {
		return err
	}
	p := v.hostPath(path)
	if p == v.root {
		return &fs.PathError{Op: "rmdir", Path: path, Err: syscall.EBUSY}
	}
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "rmdir", Path: path, Err: syscall.ENOTDIR}
	}
	return os.Remove(p)
}

// Rename renames within the volume.
func (Device) Rename(_ context.Context, oldpath, newpath string, pdata any) error {
	v, err := volume(pdata)
	if err != nil {
		return err
	}
	return os.Rename(v.hostPath(oldpath), v.hostPath(newpath))
}
