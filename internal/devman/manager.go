package devman

import (
	"context"
	"fmt"
	"io/fs"
)

// DefaultMaxOpenDirs bounds the number of live directory handles.
const DefaultMaxOpenDirs = 8

// Manager is the dispatch shim. It owns the device table and turns
// path and descriptor based calls into calls on the owning device.
//
// Every error the Manager can detect itself (bad name, unresolved path,
// absent capability, stale descriptor) is returned before any device
// method runs, as a *Error. Errors returned by a device are passed back
// unchanged; there is no retry and no fallback.
type Manager struct {
	reg *Registry

	// open maps every live descriptor to the instance it was opened on. A
	// descriptor whose index now names another instance (after an
	// Unregister compacted the table) is stale.
	open map[Descriptor]*Instance

	dirs    int
	maxDirs int
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxOpenDirs sets how many directory handles may be live at once.
func WithMaxOpenDirs(n int) Option {
	return func(m *Manager) {
		m.maxDirs = n
	}
}

// NewManager returns a Manager with an empty device table.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		reg:     NewRegistry(),
		open:    make(map[Descriptor]*Instance),
		maxDirs: DefaultMaxOpenDirs,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init registers the console device, which must land at index 0, and
// binds the Stdin, Stdout and Stderr descriptors to it.
func (m *Manager) Init(name string, data any, console Device) error {
	index, err := m.reg.Register(name, data, console)
	if err != nil {
		return err
	}
	if index != 0 {
		_ = m.reg.Unregister(name)
		return newError("init", name, fmt.Errorf("console at index %d: %w", index, ErrDescriptorRange))
	}
	inst, _ := m.reg.At(0)
	for _, d := range []Descriptor{Stdin, Stdout, Stderr} {
		m.open[d] = inst
	}
	logger.Info("Console %q bound to standard descriptors", name)
	return nil
}

// Registry exposes the device table for inspection.
func (m *Manager) Registry() *Registry {
	return m.reg
}

// Register adds a device. See Registry.Register.
func (m *Manager) Register(name string, data any, dev Device) (int, error) {
	return m.reg.Register(name, data, dev)
}

// Unregister removes a device. Handles still open on it, and handles on
// devices whose index moved, are closed on their device; their descriptors
// become stale and fail with ErrBadDescriptor. Directory handles become
// stale too and are released by CloseDir.
func (m *Manager) Unregister(name string) error {
	i := m.reg.find(name)
	var gone *Instance
	if i >= 0 {
		gone = m.reg.devs[i]
	}
	if err := m.reg.Unregister(name); err != nil {
		return err
	}
	for d, inst := range m.open {
		index, local := d.Decode()
		if cur, ok := m.reg.At(index); inst != gone && ok && cur == inst {
			continue
		}
		delete(m.open, d)
		if closer, ok := inst.Device.(Closer); ok {
			if err := closer.Close(context.Background(), local, inst.Data); err != nil {
				logger.Warn("Closing stale handle %d on %q: %v", local, inst.Name, err)
			}
		}
	}
	return nil
}

// lookup decodes d and returns the instance it is open on.
func (m *Manager) lookup(op string, d Descriptor) (*Instance, int, error) {
	index, local := d.Decode()
	inst, ok := m.reg.At(index)
	if !ok || m.open[d] != inst {
		return nil, -1, newError(op, d.String(), ErrBadDescriptor)
	}
	return inst, local, nil
}

func (m *Manager) resolve(op, path string) (int, *Instance, string, error) {
	index, rest, err := m.reg.resolve(path)
	if err != nil {
		return -1, nil, "", newError(op, path, err)
	}
	inst, _ := m.reg.At(index)
	return index, inst, rest, nil
}

// Open opens path on the device that owns it and returns a descriptor.
func (m *Manager) Open(ctx context.Context, path string, flags int, mode fs.FileMode) (Descriptor, error) {
	index, inst, rest, err := m.resolve(OpOpen, path)
	if err != nil {
		return -1, err
	}
	opener, ok := inst.Device.(Opener)
	if !ok {
		return -1, newError(OpOpen, path, ErrUnsupported)
	}

	fd, err := opener.Open(ctx, rest, flags, mode, inst.Data)
	if err != nil {
		logger.Debug("Device %q failed to open %q: %v", inst.Name, rest, err)
		return -1, err
	}

	d, err := Encode(index, fd)
	if err != nil {
		logger.Error("Device %q returned unencodable handle %d for %q", inst.Name, fd, rest)
		if closer, ok := inst.Device.(Closer); ok {
			if cerr := closer.Close(ctx, fd, inst.Data); cerr != nil {
				logger.Warn("Closing unencodable handle %d on %q: %v", fd, inst.Name, cerr)
			}
		}
		return -1, newError(OpOpen, path, err)
	}
	m.open[d] = inst
	logger.Trace("Opened %q as %v", path, d)
	return d, nil
}

// Close closes d. The descriptor is released even if the device reports
// an error while closing.
func (m *Manager) Close(ctx context.Context, d Descriptor) error {
	inst, local, err := m.lookup(OpClose, d)
	if err != nil {
		return err
	}
	closer, ok := inst.Device.(Closer)
	if !ok {
		return newError(OpClose, d.String(), ErrUnsupported)
	}
	delete(m.open, d)
	return closer.Close(ctx, local, inst.Data)
}

// Read reads from d into p.
func (m *Manager) Read(ctx context.Context, d Descriptor, p []byte) (int, error) {
	inst, local, err := m.lookup(OpRead, d)
	if err != nil {
		return 0, err
	}
	reader, ok := inst.Device.(Reader)
	if !ok {
		return 0, newError(OpRead, d.String(), ErrUnsupported)
	}
	return reader.Read(ctx, local, p, inst.Data)
}

// Write writes p to d.
func (m *Manager) Write(ctx context.Context, d Descriptor, p []byte) (int, error) {
	inst, local, err := m.lookup(OpWrite, d)
	if err != nil {
		return 0, err
	}
	writer, ok := inst.Device.(Writer)
	if !ok {
		return 0, newError(OpWrite, d.String(), ErrUnsupported)
	}
	return writer.Write(ctx, local, p, inst.Data)
}

// Seek repositions d and returns the new offset.
func (m *Manager) Seek(ctx context.Context, d Descriptor, offset int64, whence int) (int64, error) {
	inst, local, err := m.lookup(OpSeek, d)
	if err != nil {
		return -1, err
	}
	seeker, ok := inst.Device.(Seeker)
	if !ok {
		return -1, newError(OpSeek, d.String(), ErrUnsupported)
	}
	return seeker.Seek(ctx, local, offset, whence, inst.Data)
}

// Address returns the address at which the contents of d are mapped.
func (m *Manager) Address(ctx context.Context, d Descriptor) (uint64, error) {
	inst, local, err := m.lookup(OpAddress, d)
	if err != nil {
		return 0, err
	}
	addresser, ok := inst.Device.(Addresser)
	if !ok {
		return 0, newError(OpAddress, d.String(), ErrUnsupported)
	}
	return addresser.Address(ctx, local, inst.Data)
}

// Mkdir creates a directory on the device owning path.
func (m *Manager) Mkdir(ctx context.Context, path string, mode fs.FileMode) error {
	_, inst, rest, err := m.resolve(OpMkdir, path)
	if err != nil {
		return err
	}
	mkdirer, ok := inst.Device.(Mkdirer)
	if !ok {
		return newError(OpMkdir, path, ErrUnsupported)
	}
	return mkdirer.Mkdir(ctx, rest, mode, inst.Data)
}

// Unlink removes a file on the device owning path.
func (m *Manager) Unlink(ctx context.Context, path string) error {
	_, inst, rest, err := m.resolve(OpUnlink, path)
	if err != nil {
		return err
	}
	unlinker, ok := inst.Device.(Unlinker)
	if !ok {
		return newError(OpUnlink, path, ErrUnsupported)
	}
	return unlinker.Unlink(ctx, rest, inst.Data)
}

// Rmdir removes a directory on the device owning path.
func (m *Manager) Rmdir(ctx context.Context, path string) error {
	_, inst, rest, err := m.resolve(OpRmdir, path)
	if err != nil {
		return err
	}
	rmdirer, ok := inst.Device.(Rmdirer)
	if !ok {
		return newError(OpRmdir, path, ErrUnsupported)
	}
	return rmdirer.Rmdir(ctx, rest, inst.Data)
}

// Rename renames oldpath to newpath. Both must belong to the same device.
func (m *Manager) Rename(ctx context.Context, oldpath, newpath string) error {
	oldIndex, inst, oldRest, err := m.resolve(OpRename, oldpath)
	if err != nil {
		return err
	}
	newIndex, _, newRest, err := m.resolve(OpRename, newpath)
	if err != nil {
		return err
	}
	if oldIndex != newIndex {
		return newError(OpRename, oldpath+" -> "+newpath, ErrCrossDevice)
	}
	renamer, ok := inst.Device.(Renamer)
	if !ok {
		return newError(OpRename, oldpath, ErrUnsupported)
	}
	return renamer.Rename(ctx, oldRest, newRest, inst.Data)
}
