package vfs

import (
	"context"
	"os"
	"strings"
	"syscall"
	"time"

	"devfs/internal/devman"
	"devfs/internal/logging"
	"devfs/internal/walk"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir is a directory: the mount root, a device root, or a directory inside
// a device.
type Dir struct {
	fs   *FS
	path string
}

var (
	_ fusefs.NodeStringLookuper = (*Dir)(nil)
	_ fusefs.HandleReadDirAller = (*Dir)(nil)
	_ fusefs.NodeCreater        = (*Dir)(nil)
	_ fusefs.NodeMkdirer        = (*Dir)(nil)
	_ fusefs.NodeRemover        = (*Dir)(nil)
	_ fusefs.NodeRenamer        = (*Dir)(nil)
)

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	dirLogger.Trace("Getting attributes for directory: %q", d.path)
	a.Mode = os.ModeDir | 0o755
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	return nil
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
func (d *Dir) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	dirLogger.Debug("Looking up %q in directory %q", name, d.path)
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	return d.fs.lookup(ctx, d.path, name)
}

// ReadDirAll implements the HandleReadDirAller interface. Devices mounted
// below the directory come first, followed by what the owning device
// lists.
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory contents: %q", d.path)
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	entries := []fuse.Dirent{
		{Name: ".", Type: fuse.DT_Dir},
		{Name: "..", Type: fuse.DT_Dir},
	}
	seen := make(map[string]bool)
	for _, name := range d.fs.mountPoints(d.path) {
		seen[strings.ToLower(name)] = true
		entries = append(entries, fuse.Dirent{Name: name, Type: fuse.DT_Dir})
	}

	listed, err := d.fs.list(ctx, d.path)
	if err != nil && len(seen) == 0 {
		dirLogger.Debug("Listing %q failed: %v", d.path, err)
		return nil, errno(err)
	}
	for _, e := range listed {
		if seen[strings.ToLower(e.Name)] {
			continue
		}
		typ := fuse.DT_File
		if e.IsDir {
			typ = fuse.DT_Dir
		}
		entries = append(entries, fuse.Dirent{Name: e.Name, Type: typ})
	}

	dirLogger.Debug("Directory %q contains %d entries", d.path, len(entries))
	return entries, nil
}

// Create implements the NodeCreater interface, creating and opening a file.
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	path := walk.Join(d.path, req.Name)
	dirLogger.Info("Creating file %q", path)

	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	fd, err := d.fs.m.Open(ctx, path, int(req.Flags)|os.O_CREATE, req.Mode)
	if err != nil {
		dirLogger.Debug("Create %q failed: %v", path, err)
		return nil, nil, errno(err)
	}

	resp.Flags |= fuse.OpenDirectIO
	node := &File{fs: d.fs, path: path, entry: devman.DirEntry{Name: req.Name, ModTime: uint32(time.Now().Unix())}}
	return node, &Handle{fs: d.fs, fd: fd, path: path}, nil
}

// Mkdir implements the NodeMkdirer interface.
func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	path := walk.Join(d.path, req.Name)
	dirLogger.Info("Creating directory %q", path)

	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if err := d.fs.m.Mkdir(ctx, path, req.Mode); err != nil {
		dirLogger.Debug("Mkdir %q failed: %v", path, err)
		return nil, errno(err)
	}
	return &Dir{fs: d.fs, path: path}, nil
}

// Remove implements the NodeRemover interface, removing a file or directory.
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	path := walk.Join(d.path, req.Name)
	dirLogger.Info("Removing %q (isDir=%v)", path, req.Dir)

	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	var err error
	if req.Dir {
		err = d.fs.m.Rmdir(ctx, path)
	} else {
		err = d.fs.m.Unlink(ctx, path)
	}
	if err != nil {
		dirLogger.Debug("Remove %q failed: %v", path, err)
	}
	return errno(err)
}

// Rename implements the NodeRenamer interface. Both names must belong to
// the same device.
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		dirLogger.Error("Target is not a valid directory type")
		return fuse.Errno(syscall.EINVAL)
	}
	oldPath := walk.Join(d.path, req.OldName)
	newPath := walk.Join(target.path, req.NewName)
	dirLogger.Info("Renaming %q to %q", oldPath, newPath)

	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if err := d.fs.m.Rename(ctx, oldPath, newPath); err != nil {
		dirLogger.Debug("Rename failed: %v", err)
		return errno(err)
	}
	return nil
}
