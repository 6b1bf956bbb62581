package devman

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"syscall"
)

var (
	// ErrInvalidName indicates an empty, relative or over-long device name
	// or path.
	ErrInvalidName = errors.New("invalid device name")

	// ErrAlreadyRegistered indicates a case-insensitive name collision.
	ErrAlreadyRegistered = errors.New("device already registered")

	// ErrNoSpace indicates the device table is full.
	ErrNoSpace = errors.New("device table full")

	// ErrNotRegistered indicates no device carries the given name.
	ErrNotRegistered = errors.New("device not registered")

	// ErrNoDevice indicates no registered device owns the path.
	ErrNoDevice = errors.New("no such device")

	// ErrBadDescriptor indicates a descriptor or directory handle that does
	// not refer to an open resource on a live device.
	ErrBadDescriptor = errors.New("bad descriptor")

	// ErrUnsupported indicates the owning device lacks the capability.
	ErrUnsupported = errors.New("operation not supported by device")

	// ErrOutOfMemory indicates no directory handle could be allocated.
	ErrOutOfMemory = errors.New("out of directory handles")

	// ErrDescriptorRange indicates a registry index or backend-local handle
	// that does not fit the descriptor bit layout.
	ErrDescriptorRange = errors.New("descriptor component out of range")

	// ErrCrossDevice indicates a rename whose paths resolve to different
	// devices.
	ErrCrossDevice = errors.New("cross-device rename")
)

// Error wraps an error detected by the dispatch layer with the operation
// and the path or descriptor it concerned. Errors returned by a device are
// never wrapped.
type Error struct {
	Op   string // Operation that failed (e.g., "open", "readdir")
	Path string // Affected path or descriptor, may be empty
	Err  error  // One of the Err* sentinels
}

// Error implements the error interface, providing a formatted error message
func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("devman: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("devman: %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, path string, err error) *Error {
	e := &Error{Op: op, Path: path, Err: err}
	logger.Debug("%v", e)
	return e
}

// Operation names for consistent logging and error reporting.
const (
	OpRegister   = "register"
	OpUnregister = "unregister"
	OpResolve    = "resolve"
	OpOpen       = "open"
	OpClose      = "close"
	OpRead       = "read"
	OpWrite      = "write"
	OpSeek       = "seek"
	OpOpenDir    = "opendir"
	OpReadDir    = "readdir"
	OpCloseDir   = "closedir"
	OpAddress    = "getaddr"
	OpMkdir      = "mkdir"
	OpUnlink     = "unlink"
	OpRmdir      = "rmdir"
	OpRename     = "rename"
)

// ToErrno converts any error produced by a Manager, including device
// errors passed through unchanged, to an errno value for callers that use
// the errno convention. It returns 0 for nil.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	var dmErr *Error
	if errors.As(err, &dmErr) {
		switch {
		case errors.Is(dmErr.Err, ErrUnsupported):
			switch dmErr.Op {
			case OpMkdir, OpUnlink, OpRmdir, OpRename:
				return syscall.EPERM
			}
			return syscall.ENOSYS
		case errors.Is(dmErr.Err, ErrNoDevice):
			return syscall.ENODEV
		case errors.Is(dmErr.Err, ErrBadDescriptor):
			return syscall.EBADF
		case errors.Is(dmErr.Err, ErrInvalidName):
			return syscall.EINVAL
		case errors.Is(dmErr.Err, ErrAlreadyRegistered):
			return syscall.EEXIST
		case errors.Is(dmErr.Err, ErrNotRegistered):
			return syscall.ENOENT
		case errors.Is(dmErr.Err, ErrNoSpace):
			return syscall.ENOSPC
		case errors.Is(dmErr.Err, ErrOutOfMemory):
			return syscall.ENOMEM
		case errors.Is(dmErr.Err, ErrDescriptorRange):
			return syscall.EMFILE
		case errors.Is(dmErr.Err, ErrCrossDevice):
			return syscall.EXDEV
		}
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, fs.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, fs.ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, io.ErrUnexpectedEOF):
		return syscall.EIO
	default:
		logger.Debug("Unknown error type, returning EIO: %v", err)
		return syscall.EIO
	}
}
