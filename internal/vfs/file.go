package vfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"devfs/internal/devman"
	"devfs/internal/logging"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// File is a regular file inside a device.
type File struct {
	fs    *FS
	path  string
	entry devman.DirEntry
}

var (
	_ fusefs.NodeOpener    = (*File)(nil)
	_ fusefs.NodeSetattrer = (*File)(nil)
	_ fusefs.NodeFsyncer   = (*File)(nil)
)

// Attr implements the Node interface. Size and time come from a fresh
// listing of the parent directory; devices have no stat call.
func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	f.fs.mu.Lock()
	entries, err := f.fs.list(ctx, path.Dir(f.path))
	f.fs.mu.Unlock()
	if err == nil {
		name := path.Base(f.path)
		for _, e := range entries {
			if e.Name == name {
				f.entry = e
				break
			}
		}
	} else {
		fileLogger.Debug("Refreshing %q failed, using cached entry: %v", f.path, err)
	}

	mtime := time.Unix(int64(f.entry.ModTime), 0)
	a.Mode = 0o644
	a.Size = uint64(f.entry.Size)
	a.Mtime = mtime
	a.Atime = mtime
	a.Ctime = mtime
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid
	a.BlockSize = 4096
	a.Blocks = (a.Size + 511) / 512

	fileLogger.Trace("File attributes for %q: size=%d, mtime=%v", f.path, a.Size, a.Mtime)
	return nil
}

// Open implements the NodeOpener interface, opening the file on its device.
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	flags := int(req.Flags)
	fileLogger.Debug("Opening file %q with flags %v", f.path, req.Flags)

	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	fd, err := f.fs.m.Open(ctx, f.path, flags, 0)
	if err != nil {
		fileLogger.Debug("Failed to open %q: %v", f.path, err)
		return nil, errno(err)
	}

	// Sizes come from listings and may lag behind; bypass the page cache.
	resp.Flags |= fuse.OpenDirectIO
	return &Handle{fs: f.fs, fd: fd, path: f.path}, nil
}

// Setattr implements the NodeSetattrer interface. Only truncation to zero
// is supported, by reopening the file with O_TRUNC.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if req.Size != 0 {
			return fuse.Errno(syscall.ENOTSUP)
		}
		f.fs.mu.Lock()
		fd, err := f.fs.m.Open(ctx, f.path, os.O_WRONLY|os.O_TRUNC, 0)
		if err == nil {
			err = f.fs.m.Close(ctx, fd)
		}
		f.fs.mu.Unlock()
		if err != nil {
			return errno(err)
		}
		f.entry.Size = 0
	}
	return f.Attr(ctx, &resp.Attr)
}

// Fsync implements the NodeFsyncer interface. Devices write through.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	return nil
}

// Handle is an open file: a manager descriptor and the offset it is at.
type Handle struct {
	fs   *FS
	fd   devman.Descriptor
	path string

	mu  sync.Mutex
	pos int64
}

var (
	_ fusefs.HandleReader   = (*Handle)(nil)
	_ fusefs.HandleWriter   = (*Handle)(nil)
	_ fusefs.HandleReleaser = (*Handle)(nil)
)

// seek moves the descriptor to off unless it is already there.
func (h *Handle) seek(ctx context.Context, off int64) error {
	if off == h.pos {
		return nil
	}
	pos, err := h.fs.m.Seek(ctx, h.fd, off, io.SeekStart)
	if err != nil {
		return err
	}
	h.pos = pos
	return nil
}

// pastEnd reports whether off lies at or beyond the end of the file. Some
// devices refuse to seek past the end, where a read must return no data.
func (h *Handle) pastEnd(ctx context.Context, off int64) bool {
	end, err := h.fs.m.Seek(ctx, h.fd, 0, io.SeekEnd)
	if err != nil {
		return false
	}
	h.pos = end
	return off >= end
}

// Read implements the HandleReader interface.
func (h *Handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	fileLogger.Trace("Reading %d bytes from %q at offset %d", req.Size, h.path, req.Offset)
	if err := h.seek(ctx, req.Offset); err != nil {
		if h.pastEnd(ctx, req.Offset) {
			resp.Data = nil
			return nil
		}
		fileLogger.Debug("Seek in %q failed: %v", h.path, err)
		return errno(err)
	}

	buf := make([]byte, req.Size)
	n := 0
	for n < len(buf) {
		k, err := h.fs.m.Read(ctx, h.fd, buf[n:])
		n += k
		h.pos += int64(k)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fileLogger.Error("Failed to read from %q: %v", h.path, err)
			return errno(err)
		}
		if k == 0 {
			break
		}
	}
	resp.Data = buf[:n]
	return nil
}

// Write implements the HandleWriter interface.
func (h *Handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	fileLogger.Trace("Writing %d bytes to %q at offset %d", len(req.Data), h.path, req.Offset)
	if err := h.seek(ctx, req.Offset); err != nil {
		return errno(err)
	}
	n, err := h.fs.m.Write(ctx, h.fd, req.Data)
	h.pos += int64(n)
	resp.Size = n
	if err != nil {
		fileLogger.Error("Failed to write to %q: %v", h.path, err)
		return errno(err)
	}
	return nil
}

// Release implements the HandleReleaser interface, closing the descriptor.
func (h *Handle) Release(ctx context.Context, _ *fuse.ReleaseRequest) error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	fileLogger.Debug("Closing %q", h.path)
	return errno(h.fs.m.Close(ctx, h.fd))
}
