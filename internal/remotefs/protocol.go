// Package remotefs implements a filesystem served over a byte stream. The
// Client is a devman device that forwards every operation to a Server,
// which runs them against a host directory.
//
// Each request and each response is one CBOR data item. Requests carry an
// operation code; responses carry the result and, on failure, an errno.
// Open flags and seek origins travel as platform-independent constants.
package remotefs

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"syscall"

	"github.com/fxamacker/cbor/v2"

	"devfs/internal/devman"
	"devfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("remotefs")
)

// Op identifies a remote operation.
type Op uint8

// Operation codes. The first eight match the classic remote filesystem
// protocol; the rest extend it with the mutation operations.
const (
	OpOpen     Op = 0x01
	OpWrite    Op = 0x02
	OpRead     Op = 0x03
	OpClose    Op = 0x04
	OpLseek    Op = 0x05
	OpOpenDir  Op = 0x06
	OpReadDir  Op = 0x07
	OpCloseDir Op = 0x08
	OpMkdir    Op = 0x09
	OpUnlink   Op = 0x0A
	OpRmdir    Op = 0x0B
	OpRename   Op = 0x0C
)

var opNames = map[Op]string{
	OpOpen:     "open",
	OpWrite:    "write",
	OpRead:     "read",
	OpClose:    "close",
	OpLseek:    "lseek",
	OpOpenDir:  "opendir",
	OpReadDir:  "readdir",
	OpCloseDir: "closedir",
	OpMkdir:    "mkdir",
	OpUnlink:   "unlink",
	OpRmdir:    "rmdir",
	OpRename:   "rename",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%#x)", uint8(op))
}

// Platform-independent open flags.
const (
	FlagAppend uint32 = 0x01
	FlagCreate uint32 = 0x02
	FlagExcl   uint32 = 0x04
	FlagTrunc  uint32 = 0x08
	FlagSync   uint32 = 0x10
	FlagRdonly uint32 = 0x20
	FlagWronly uint32 = 0x40
	FlagRdwr   uint32 = 0x80
)

// Whence is a platform-independent seek origin.
type Whence uint8

// Seek origins.
const (
	SeekSet Whence = 0x01
	SeekCur Whence = 0x02
	SeekEnd Whence = 0x03
)

// MaxNameLength is the longest directory entry name the protocol carries.
const MaxNameLength = 31

// DefaultChunkSize bounds the payload of one read or write exchange.
const DefaultChunkSize = 512

// EncodeFlags converts os.O_* flags to wire flags.
func EncodeFlags(flags int) uint32 {
	var w uint32
	switch flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		w |= FlagWronly
	case os.O_RDWR:
		w |= FlagRdwr
	default:
		w |= FlagRdonly
	}
	for _, m := range []struct {
		os   int
		wire uint32
	}{
		{os.O_APPEND, FlagAppend},
		{os.O_CREATE, FlagCreate},
		{os.O_EXCL, FlagExcl},
		{os.O_TRUNC, FlagTrunc},
		{os.O_SYNC, FlagSync},
	} {
		if flags&m.os != 0 {
			w |= m.wire
		}
	}
	return w
}

// DecodeFlags converts wire flags to os.O_* flags.
func DecodeFlags(w uint32) int {
	var flags int
	switch {
	case w&FlagRdwr != 0:
		flags = os.O_RDWR
	case w&FlagWronly != 0:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if w&FlagAppend != 0 {
		flags |= os.O_APPEND
	}
	if w&FlagCreate != 0 {
		flags |= os.O_CREATE
	}
	if w&FlagExcl != 0 {
		flags |= os.O_EXCL
	}
	if w&FlagTrunc != 0 {
		flags |= os.O_TRUNC
	}
	if w&FlagSync != 0 {
		flags |= os.O_SYNC
	}
	return flags
}

// EncodeWhence converts an io.Seek* value.
func EncodeWhence(whence int) (Whence, error) {
	switch whence {
	case io.SeekStart:
		return SeekSet, nil
	case io.SeekCurrent:
		return SeekCur, nil
	case io.SeekEnd:
		return SeekEnd, nil
	}
	return 0, syscall.EINVAL
}

// DecodeWhence converts a wire seek origin to an io.Seek* value.
func DecodeWhence(w Whence) (int, error) {
	switch w {
	case SeekSet:
		return io.SeekStart, nil
	case SeekCur:
		return io.SeekCurrent, nil
	case SeekEnd:
		return io.SeekEnd, nil
	}
	return 0, syscall.EINVAL
}

// Request is one client request. Which fields are meaningful depends on Op.
type Request struct {
	Op      Op     `cbor:"1,keyasint"`
	Path    string `cbor:"2,keyasint,omitempty"`
	NewPath string `cbor:"3,keyasint,omitempty"`
	Flags   uint32 `cbor:"4,keyasint,omitempty"`
	Mode    uint32 `cbor:"5,keyasint,omitempty"`
	FD      int32  `cbor:"6,keyasint,omitempty"`
	Count   uint32 `cbor:"7,keyasint,omitempty"`
	Data    []byte `cbor:"8,keyasint,omitempty"`
	Offset  int64  `cbor:"9,keyasint,omitempty"`
	Whence  Whence `cbor:"10,keyasint,omitempty"`
	Dir     uint32 `cbor:"11,keyasint,omitempty"`
}

// Response answers one Request. A non-zero Errno means the operation
// failed and the other fields are unset. A readdir response with no Entry
// marks the end of the listing.
type Response struct {
	Errno  uint32 `cbor:"1,keyasint,omitempty"`
	Result int64  `cbor:"2,keyasint,omitempty"`
	Data   []byte `cbor:"3,keyasint,omitempty"`
	Entry  *Entry `cbor:"4,keyasint,omitempty"`
}

// Entry is a directory entry on the wire.
type Entry struct {
	Name    string `cbor:"1,keyasint"`
	Size    uint32 `cbor:"2,keyasint,omitempty"`
	ModTime uint32 `cbor:"3,keyasint,omitempty"`
	IsDir   bool   `cbor:"4,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("remotefs: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("remotefs: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewEncoder returns a stream encoder for protocol messages.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder for protocol messages.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// errnoOf extracts the errno to send for err.
func errnoOf(err error) uint32 {
	return uint32(devman.ToErrno(err))
}
