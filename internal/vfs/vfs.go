// Package vfs mounts a device manager on the host through FUSE. Every
// device that can list directories appears as a directory under the mount
// point, and files below it are opened, read and written through the
// manager's descriptors.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"devfs/internal/devman"
	"devfs/internal/logging"
	"devfs/internal/walk"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	vfsLogger = logging.GetLogger().WithPrefix("vfs")
)

// FS serves a device manager as a FUSE filesystem. The manager is not safe
// for concurrent use, so every call into it holds mu.
type FS struct {
	m    *devman.Manager
	mu   sync.Mutex
	uid  uint32
	gid  uint32
	conn *fuse.Conn
	done chan struct{}
}

// New returns a filesystem serving m. Files are owned by the current user
// unless PUID and PGID say otherwise.
func New(m *devman.Manager) *FS {
	uid := safeIntToUint32(os.Getuid())
	gid := safeIntToUint32(os.Getgid())

	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			uid = uint32(puid)
			vfsLogger.Debug("Using PUID from environment: %d", uid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			gid = uint32(pgid)
			vfsLogger.Debug("Using PGID from environment: %d", gid)
		}
	}
	return &FS{m: m, uid: uid, gid: gid}
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (f *FS) Root() (fusefs.Node, error) {
	return &Dir{fs: f, path: "/"}, nil
}

// errno converts a manager or device error to the FUSE error number.
func errno(err error) error {
	if err == nil {
		return nil
	}
	return fuse.Errno(devman.ToErrno(err))
}

// mountPoints returns the next path component of every listable device
// registered below dir. A device "/a/b" makes "a" a directory of "/".
func (f *FS) mountPoints(dir string) []string {
	prefix := strings.ToLower(dir)
	if prefix != "/" {
		prefix += "/"
	}

	reg := f.m.Registry()
	seen := make(map[string]bool)
	var names []string
	for i := 0; i < reg.Count(); i++ {
		inst, _ := reg.At(i)
		if _, ok := inst.Device.(devman.DirOpener); !ok {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(inst.Name), prefix) {
			continue
		}
		rest := inst.Name[len(prefix):]
		if rest == "" {
			continue
		}
		if j := strings.IndexByte(rest, devman.Separator); j >= 0 {
			rest = rest[:j]
		}
		if !seen[strings.ToLower(rest)] {
			seen[strings.ToLower(rest)] = true
			names = append(names, rest)
		}
	}
	return names
}

// list returns the backend entries of dir. A directory that exists only
// because a device is registered below it has no backend entries. A device
// registered with a trailing separator ("/rom/") is reached as "/rom".
func (f *FS) list(ctx context.Context, dir string) ([]devman.DirEntry, error) {
	d, err := f.m.OpenDir(ctx, dir)
	if errors.Is(err, devman.ErrNoDevice) && !strings.HasSuffix(dir, "/") {
		d, err = f.m.OpenDir(ctx, dir+"/")
	}
	if err != nil {
		return nil, err
	}
	defer f.m.CloseDir(ctx, d)

	var entries []devman.DirEntry
	for {
		e, err := f.m.ReadDir(ctx, d)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, *e)
	}
}

// lookup finds name in dir, first among the mount points, then in the
// backend listing.
func (f *FS) lookup(ctx context.Context, dir, name string) (fusefs.Node, error) {
	path := walk.Join(dir, name)
	for _, mp := range f.mountPoints(dir) {
		if strings.EqualFold(mp, name) {
			return &Dir{fs: f, path: path}, nil
		}
	}

	entries, err := f.list(ctx, dir)
	if err != nil && len(entries) == 0 {
		vfsLogger.Debug("Listing %q for %q failed: %v", dir, name, err)
		return nil, fuse.ENOENT
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		if e.IsDir {
			return &Dir{fs: f, path: path}, nil
		}
		return &File{fs: f, path: path, entry: e}, nil
	}
	return nil, fuse.ENOENT
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// Mount mounts the filesystem at mountPoint and serves it in the
// background until Unmount.
func (f *FS) Mount(mountPoint string) error {
	vfsLogger.Info("Mounting devices at %s", mountPoint)
	vfsLogger.Debug("UID: %d, GID: %d", f.uid, f.gid)

	mountOpts := []fuse.MountOption{
		fuse.FSName("devfs"),
		fuse.Subtype("devfs"),
		fuse.AsyncRead(),
	}
	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	f.conn = c
	f.done = make(chan struct{})

	go func() {
		defer close(f.done)
		if err := fusefs.Serve(c, f); err != nil {
			vfsLogger.Error("FUSE server error: %v", err)
		}
		vfsLogger.Debug("FUSE server stopped")
	}()

	if err := waitForMount(mountPoint); err != nil {
		c.Close()
		vfsLogger.Error("Mount point not ready: %v", err)
		return fmt.Errorf("mount point failed to initialize: %w", err)
	}

	vfsLogger.Info("Filesystem mounted successfully")
	return nil
}

// Unmount unmounts the filesystem and waits for the server to stop.
func (f *FS) Unmount(mountPoint string) error {
	vfsLogger.Info("Unmounting filesystem from: %s", mountPoint)
	if f.conn == nil {
		return nil
	}
	if err := fuse.Unmount(mountPoint); err != nil {
		vfsLogger.Error("Unmount failed: %v", err)
		return err
	}
	<-f.done
	err := f.conn.Close()
	f.conn = nil
	return err
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}
