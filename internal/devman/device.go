// Package devman multiplexes independently implemented storage and stream
// backends ("devices") behind one open/close/read/write/seek and directory
// iteration surface. Devices are registered under a path prefix; callers
// address files by full path and then by compound descriptor.
//
// The package does no locking. Registration must not run concurrently with
// resolution or dispatch, and callers that are themselves concurrent must
// serialize their calls into a Manager.
package devman

import (
	"context"
	"io/fs"
)

// Device is implemented by every backend. A backend advertises the
// operations it supports by implementing the capability interfaces below;
// a missing interface means the capability is absent, which is a legal and
// common state (a ROM image never implements Unlinker).
//
// Every capability receives the opaque per-instance data given to
// Register, so one Device value can serve several instances.
type Device interface {
	// Kind names the backend variant, for logs.
	Kind() string
}

// Opener opens path (relative to the instance root) and returns a
// backend-local handle.
type Opener interface {
	Open(ctx context.Context, path string, flags int, mode fs.FileMode, pdata any) (int, error)
}

// Closer releases a backend-local handle.
type Closer interface {
	Close(ctx context.Context, fd int, pdata any) error
}

// Reader reads from a backend-local handle.
type Reader interface {
	Read(ctx context.Context, fd int, p []byte, pdata any) (int, error)
}

// Writer writes to a backend-local handle.
type Writer interface {
	Write(ctx context.Context, fd int, p []byte, pdata any) (int, error)
}

// Seeker repositions a backend-local handle. whence takes the io.Seek*
// values.
type Seeker interface {
	Seek(ctx context.Context, fd int, offset int64, whence int, pdata any) (int64, error)
}

// DirOpener opens a directory and returns a backend-opaque cursor.
type DirOpener interface {
	OpenDir(ctx context.Context, path string, pdata any) (any, error)
}

// DirReader returns the next entry of a directory cursor, or io.EOF once
// the listing is exhausted.
type DirReader interface {
	ReadDir(ctx context.Context, cursor any, pdata any) (*DirEntry, error)
}

// DirCloser releases a directory cursor.
type DirCloser interface {
	CloseDir(ctx context.Context, cursor any, pdata any) error
}

// Addresser reports the address at which the contents of an open file are
// mapped, for backends whose files live in directly addressable memory.
type Addresser interface {
	Address(ctx context.Context, fd int, pdata any) (uint64, error)
}

// Mkdirer creates a directory.
type Mkdirer interface {
	Mkdir(ctx context.Context, path string, mode fs.FileMode, pdata any) error
}

// Unlinker removes a file.
type Unlinker interface {
	Unlink(ctx context.Context, path string, pdata any) error
}

// Rmdirer removes an empty directory.
type Rmdirer interface {
	Rmdir(ctx context.Context, path string, pdata any) error
}

// Renamer renames a file or directory within one instance.
type Renamer interface {
	Rename(ctx context.Context, oldpath, newpath string, pdata any) error
}

// DirEntry is one record produced by a directory listing.
type DirEntry struct {
	Size    uint32
	Name    string
	ModTime uint32 // seconds since the Unix epoch, 0 when unknown
	IsDir   bool
}

// Capabilities lists the capability names a device implements, in a fixed
// order. It is used for logging and by frontends deciding what to offer.
func Capabilities(dev Device) []string {
	var caps []string
	add := func(ok bool, name string) {
		if ok {
			caps = append(caps, name)
		}
	}
	_, ok := dev.(Opener)
	add(ok, OpOpen)
	_, ok = dev.(Closer)
	add(ok, OpClose)
	_, ok = dev.(Reader)
	add(ok, OpRead)
	_, ok = dev.(Writer)
	add(ok, OpWrite)
	_, ok = dev.(Seeker)
	add(ok, OpSeek)
	_, ok = dev.(DirOpener)
	add(ok, OpOpenDir)
	_, ok = dev.(DirReader)
	add(ok, OpReadDir)
	_, ok = dev.(DirCloser)
	add(ok, OpCloseDir)
	_, ok = dev.(Addresser)
	add(ok, OpAddress)
	_, ok = dev.(Mkdirer)
	add(ok, OpMkdir)
	_, ok = dev.(Unlinker)
	add(ok, OpUnlink)
	_, ok = dev.(Rmdirer)
	add(ok, OpRmdir)
	_, ok = dev.(Renamer)
	add(ok, OpRename)
	return caps
}
