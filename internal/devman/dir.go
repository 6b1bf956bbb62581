package devman

import (
	"context"
	"fmt"
)

// Dir is an open directory: the owning device together with the device's
// own cursor. It is created by OpenDir and released by CloseDir.
type Dir struct {
	path   string
	index  int
	inst   *Instance
	cursor any
	closed bool
}

// Path returns the path the directory was opened with.
func (d *Dir) Path() string {
	return d.path
}

// OpenDir opens the directory at path.
//
// When the device succeeds but no handle can be allocated, OpenDir returns
// ErrOutOfMemory and the device's cursor stays open; this layer does not
// clean up a resource it never owned.
func (m *Manager) OpenDir(ctx context.Context, path string) (*Dir, error) {
	index, inst, rest, err := m.resolve(OpOpenDir, path)
	if err != nil {
		return nil, err
	}
	opener, ok := inst.Device.(DirOpener)
	if !ok {
		return nil, newError(OpOpenDir, path, ErrUnsupported)
	}

	cursor, err := opener.OpenDir(ctx, rest, inst.Data)
	if err != nil {
		return nil, err
	}

	if m.dirs >= m.maxDirs {
		logger.Warn("No directory handle for %q; device cursor left open", path)
		return nil, newError(OpOpenDir, path, ErrOutOfMemory)
	}
	m.dirs++
	return &Dir{path: path, index: index, inst: inst, cursor: cursor}, nil
}

// ReadDir returns the next entry of d, or io.EOF at the end of the listing.
func (m *Manager) ReadDir(ctx context.Context, d *Dir) (*DirEntry, error) {
	if err := m.checkDir(OpReadDir, d); err != nil {
		return nil, err
	}
	reader, ok := d.inst.Device.(DirReader)
	if !ok {
		return nil, newError(OpReadDir, d.path, ErrUnsupported)
	}
	return reader.ReadDir(ctx, d.cursor, d.inst.Data)
}

// CloseDir closes d. The cursor is released on its device on every path,
// including when the device was unregistered, in which case ErrBadDescriptor
// is returned.
func (m *Manager) CloseDir(ctx context.Context, d *Dir) error {
	if d == nil || d.closed {
		return newError(OpCloseDir, "", ErrBadDescriptor)
	}
	defer m.release(d)

	stale := m.checkDir(OpCloseDir, d)
	closer, ok := d.inst.Device.(DirCloser)
	if !ok {
		return stale
	}
	if err := closer.CloseDir(ctx, d.cursor, d.inst.Data); err != nil {
		logger.Debug("Device %q failed to close directory %q: %v", d.inst.Name, d.path, err)
		if stale == nil {
			return err
		}
	}
	return stale
}

func (m *Manager) release(d *Dir) {
	d.closed = true
	d.cursor = nil
	m.dirs--
}

func (m *Manager) checkDir(op string, d *Dir) error {
	if d == nil || d.closed {
		return newError(op, "", ErrBadDescriptor)
	}
	inst, ok := m.reg.At(d.index)
	if !ok || inst != d.inst {
		return newError(op, d.path, fmt.Errorf("owning device gone: %w", ErrBadDescriptor))
	}
	return nil
}

// OpenDirs returns the number of live directory handles.
func (m *Manager) OpenDirs() int {
	return m.dirs
}
