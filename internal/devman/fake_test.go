package devman

import (
	"context"
	"io"
	"io/fs"
	"syscall"
)

// fakeDevice implements every capability over in-memory files and records
// each call it receives.
type fakeDevice struct {
	calls   []string
	pdata   []any
	files   map[string][]byte
	fds     map[int]*fakeFile
	cursors map[int]*fakeCursor
	nextID  int

	entries     []DirEntry
	openErr     error
	closeDirErr error
	forceFD     int
}

type fakeFile struct {
	name string
	off  int64
}

type fakeCursor struct {
	pos int
}

func newFakeDevice(files map[string][]byte) *fakeDevice {
	if files == nil {
		files = map[string][]byte{}
	}
	return &fakeDevice{
		files:   files,
		fds:     map[int]*fakeFile{},
		cursors: map[int]*fakeCursor{},
		forceFD: -1,
	}
}

func (f *fakeDevice) record(op string, pdata any) {
	f.calls = append(f.calls, op)
	f.pdata = append(f.pdata, pdata)
}

func (f *fakeDevice) Kind() string { return "fake" }

func (f *fakeDevice) Open(_ context.Context, path string, flags int, _ fs.FileMode, pdata any) (int, error) {
	f.record(OpOpen+" "+path, pdata)
	if f.openErr != nil {
		return -1, f.openErr
	}
	if _, ok := f.files[path]; !ok {
		if flags&syscall.O_CREAT == 0 {
			return -1, syscall.ENOENT
		}
		f.files[path] = nil
	}
	fd := f.nextID
	if f.forceFD >= 0 {
		fd = f.forceFD
	}
	f.nextID++
	f.fds[fd] = &fakeFile{name: path}
	return fd, nil
}

func (f *fakeDevice) Close(_ context.Context, fd int, pdata any) error {
	f.record(OpClose, pdata)
	if _, ok := f.fds[fd]; !ok {
		return syscall.EBADF
	}
	delete(f.fds, fd)
	return nil
}

func (f *fakeDevice) Read(_ context.Context, fd int, p []byte, pdata any) (int, error) {
	f.record(OpRead, pdata)
	file, ok := f.fds[fd]
	if !ok {
		return 0, syscall.EBADF
	}
	data := f.files[file.name]
	if file.off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[file.off:])
	file.off += int64(n)
	return n, nil
}

func (f *fakeDevice) Write(_ context.Context, fd int, p []byte, pdata any) (int, error) {
	f.record(OpWrite, pdata)
	file, ok := f.fds[fd]
	if !ok {
		return 0, syscall.EBADF
	}
	data := f.files[file.name]
	end := file.off + int64(len(p))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[file.off:], p)
	f.files[file.name] = data
	file.off = end
	return len(p), nil
}

func (f *fakeDevice) Seek(_ context.Context, fd int, offset int64, whence int, pdata any) (int64, error) {
	f.record(OpSeek, pdata)
	file, ok := f.fds[fd]
	if !ok {
		return -1, syscall.EBADF
	}
	switch whence {
	case io.SeekStart:
		file.off = offset
	case io.SeekCurrent:
		file.off += offset
	case io.SeekEnd:
		file.off = int64(len(f.files[file.name])) + offset
	default:
		return -1, syscall.EINVAL
	}
	return file.off, nil
}

func (f *fakeDevice) Address(_ context.Context, fd int, pdata any) (uint64, error) {
	f.record(OpAddress, pdata)
	return 0x1000 + uint64(fd), nil
}

func (f *fakeDevice) OpenDir(_ context.Context, path string, pdata any) (any, error) {
	f.record(OpOpenDir+" "+path, pdata)
	id := f.nextID
	f.nextID++
	f.cursors[id] = &fakeCursor{}
	return id, nil
}

func (f *fakeDevice) ReadDir(_ context.Context, cursor any, pdata any) (*DirEntry, error) {
	f.record(OpReadDir, pdata)
	c, ok := f.cursors[cursor.(int)]
	if !ok {
		return nil, syscall.EBADF
	}
	if c.pos >= len(f.entries) {
		return nil, io.EOF
	}
	e := f.entries[c.pos]
	c.pos++
	return &e, nil
}

func (f *fakeDevice) CloseDir(_ context.Context, cursor any, pdata any) error {
	f.record(OpCloseDir, pdata)
	delete(f.cursors, cursor.(int))
	return f.closeDirErr
}

func (f *fakeDevice) Mkdir(_ context.Context, path string, _ fs.FileMode, pdata any) error {
	f.record(OpMkdir+" "+path, pdata)
	return nil
}

func (f *fakeDevice) Unlink(_ context.Context, path string, pdata any) error {
	f.record(OpUnlink+" "+path, pdata)
	return nil
}

func (f *fakeDevice) Rmdir(_ context.Context, path string, pdata any) error {
	f.record(OpRmdir+" "+path, pdata)
	return nil
}

func (f *fakeDevice) Rename(_ context.Context, oldpath, newpath string, pdata any) error {
	f.record(OpRename+" "+oldpath+" "+newpath, pdata)
	return nil
}

// readOnlyDevice exposes only open, close, read and the directory
// operations of a fakeDevice.
type readOnlyDevice struct {
	f *fakeDevice
}

func (r readOnlyDevice) Kind() string { return "readonly" }

func (r readOnlyDevice) Open(ctx context.Context, path string, flags int, mode fs.FileMode, pdata any) (int, error) {
	return r.f.Open(ctx, path, flags, mode, pdata)
}

func (r readOnlyDevice) Close(ctx context.Context, fd int, pdata any) error {
	return r.f.Close(ctx, fd, pdata)
}

func (r readOnlyDevice) Read(ctx context.Context, fd int, p []byte, pdata any) (int, error) {
	return r.f.Read(ctx, fd, p, pdata)
}

func (r readOnlyDevice) OpenDir(ctx context.Context, path string, pdata any) (any, error) {
	return r.f.OpenDir(ctx, path, pdata)
}

func (r readOnlyDevice) ReadDir(ctx context.Context, cursor any, pdata any) (*DirEntry, error) {
	return r.f.ReadDir(ctx, cursor, pdata)
}

func (r readOnlyDevice) CloseDir(ctx context.Context, cursor any, pdata any) error {
	return r.f.CloseDir(ctx, cursor, pdata)
}

// bareDevice implements no capability at all.
type bareDevice struct{}

func (bareDevice) Kind() string { return "bare" }
