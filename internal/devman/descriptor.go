package devman

import "fmt"

// Descriptor layout. A descriptor must survive callers that store it in
// 16 bits and treat negative values as errors, so the top bit stays clear:
//
//	15   14..11    10..0
//	0    device    local handle
const (
	DescriptorBits = 16
	DeviceBits     = 4
	LocalBits      = DescriptorBits - 1 - DeviceBits

	// MaxLocal is the largest backend-local handle a descriptor can carry.
	MaxLocal = 1<<LocalBits - 1

	localMask = MaxLocal
)

// Reserved descriptors for the standard streams. They are bound to the
// console device, which Manager.Init places at index 0, and are usable
// without calling Open.
const (
	Stdin  Descriptor = 0
	Stdout Descriptor = 1
	Stderr Descriptor = 2
)

// Descriptor is the compound handle returned to callers. It packs the
// owning device's registry index and the device's own handle.
type Descriptor int

// Encode packs a registry index and a backend-local handle. It fails
// rather than truncate when either does not fit its field; a backend
// handing out handles above MaxLocal is a bug in that backend.
func Encode(index, local int) (Descriptor, error) {
	if index < 0 || index >= 1<<DeviceBits {
		return -1, fmt.Errorf("index %d: %w", index, ErrDescriptorRange)
	}
	if local < 0 || local > MaxLocal {
		return -1, fmt.Errorf("local handle %d: %w", local, ErrDescriptorRange)
	}
	return Descriptor(index<<LocalBits | local), nil
}

// Decode splits a descriptor into registry index and backend-local
// handle. Negative descriptors decode to index -1.
func (d Descriptor) Decode() (index, local int) {
	if d < 0 || int(d) >= 1<<(DescriptorBits-1) {
		return -1, -1
	}
	return int(d) >> LocalBits, int(d) & localMask
}

// String renders the descriptor with its decoded parts, for logs.
func (d Descriptor) String() string {
	index, local := d.Decode()
	return fmt.Sprintf("%d(dev=%d,fd=%d)", int(d), index, local)
}
