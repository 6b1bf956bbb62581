package devman

import (
	"strings"

	"devfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("devman")
)

const (
	// MaxDevices is the capacity of the device table. It must equal
	// 1<<DeviceBits.
	MaxDevices = 16

	// MaxDeviceName bounds the length of a device name, separator included.
	MaxDeviceName = 12

	// MaxPathLength bounds the length of any path handed to a Manager.
	MaxPathLength = 255

	// MaxFileName is the longest file name any bundled backend stores.
	MaxFileName = 30

	// Separator starts every device name and every path.
	Separator = '/'

	rootName = "/"
)

// Instance is one registered device: a name, the device's operations and
// the opaque data those operations receive.
type Instance struct {
	Name   string
	Data   any
	Device Device
}

// Registry is the fixed-capacity, ordered device table. Indices are stable
// between a Register and the next Unregister.
type Registry struct {
	devs [MaxDevices]*Instance
	n    int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func validName(name string) bool {
	return name != "" && name[0] == Separator && len(name) <= MaxDeviceName
}

// Register adds a device under name and returns its index. The table is
// left unchanged when an error is returned.
func (r *Registry) Register(name string, data any, dev Device) (int, error) {
	if !validName(name) || dev == nil {
		return -1, newError(OpRegister, name, ErrInvalidName)
	}
	for i := 0; i < r.n; i++ {
		if strings.EqualFold(name, r.devs[i].Name) {
			return -1, newError(OpRegister, name, ErrAlreadyRegistered)
		}
	}
	if r.n == MaxDevices {
		return -1, newError(OpRegister, name, ErrNoSpace)
	}

	r.devs[r.n] = &Instance{Name: name, Data: data, Device: dev}
	r.n++
	logger.Debug("Registered %s device %q at index %d (caps %v)",
		dev.Kind(), name, r.n-1, Capabilities(dev))
	return r.n - 1, nil
}

// Unregister removes the device called name. Later entries move down one
// slot each, keeping their relative order, so their indices change.
func (r *Registry) Unregister(name string) error {
	if !validName(name) {
		return newError(OpUnregister, name, ErrInvalidName)
	}
	i := r.find(name)
	if i < 0 {
		return newError(OpUnregister, name, ErrNotRegistered)
	}

	copy(r.devs[i:r.n], r.devs[i+1:r.n])
	r.n--
	r.devs[r.n] = nil
	logger.Debug("Unregistered device %q from index %d", name, i)
	return nil
}

func (r *Registry) find(name string) int {
	for i := 0; i < r.n; i++ {
		if strings.EqualFold(name, r.devs[i].Name) {
			return i
		}
	}
	return -1
}

// At returns the instance at index.
func (r *Registry) At(index int) (*Instance, bool) {
	if index < 0 || index >= r.n {
		return nil, false
	}
	return r.devs[index], true
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	return r.n
}

// Names returns the registered names in index order.
func (r *Registry) Names() []string {
	names := make([]string, r.n)
	for i := 0; i < r.n; i++ {
		names[i] = r.devs[i].Name
	}
	return names
}

// Resolve finds the device owning path and returns its index together
// with the path relative to that device.
//
// The most specific name wins: every entry is compared case-insensitively
// and the longest name that is a prefix of path is chosen, whether or not
// the match ends on a separator: with "/rfs" registered, "/rfsx/a" resolves
// to "/rfs" with remainder "x/a". The root device "/" only owns paths that
// contain no separator after the first byte ("/boot.cfg"), and receives
// the path unchanged. A path naming a device exactly resolves to that
// device's "/".
//
// The scan is linear, O(devices * name length); fine while MaxDevices
// stays small.
func (r *Registry) Resolve(path string) (int, string, error) {
	index, rest, err := r.resolve(path)
	if err != nil {
		return -1, "", newError(OpResolve, path, err)
	}
	return index, rest, nil
}

func (r *Registry) resolve(path string) (int, string, error) {
	if path == "" || path[0] != Separator || len(path) > MaxPathLength {
		return -1, "", ErrInvalidName
	}

	best, bestLen := -1, 0
	for i := 0; i < r.n; i++ {
		if l := matchLength(r.devs[i].Name, path); l > bestLen {
			best, bestLen = i, l
		}
	}
	if best < 0 {
		return -1, "", ErrNoDevice
	}

	if r.devs[best].Name == rootName {
		logger.Trace("Resolved %q to root device", path)
		return best, path, nil
	}
	rest := path[bestLen:]
	if rest == "" {
		rest = rootName
	}
	logger.Trace("Resolved %q to %q, remainder %q", path, r.devs[best].Name, rest)
	return best, rest, nil
}

func matchLength(name, path string) int {
	if name == rootName {
		if strings.IndexByte(path[1:], Separator) < 0 {
			return 1
		}
		return 0
	}
	if len(path) < len(name) || !strings.EqualFold(path[:len(name)], name) {
		return 0
	}
	return len(name)
}
