package config

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DevicePrefix = "zram"

	MiB = 1024 * 1024

	DefaultZramFraction = 0.25
	DefaultSwapPriority = 100
	DefaultMountFSType  = "ext2"
)

// Kind is what a device is used for once it has been set up: either Swap or
// Mount. The two are exclusive, a swap device has no mount point and a
// mounted device has no swap priority.
type Kind interface {
	isKind()
}

// Swap is a device activated as swap space with the given priority.
type Swap struct {
	Priority int
}

// Mount is a device formatted with FSType and mounted at Path. An empty
// Path means the device is formatted but no mount unit is generated.
type Mount struct {
	Path   string
	FSType string
}

func (Swap) isKind()  {}
func (Mount) isKind() {}

// Device is a fully resolved zram device. It is built once by the Resolver
// and never changed afterwards.
type Device struct {
	Name                 string
	HostMemoryLimitMB    *uint64 // nil: no limit
	ZramFraction         float64
	MaxZramSizeMB        *uint64 // nil: uncapped
	CompressionAlgorithm string  // empty: kernel default
	Options              string  // empty: none
	Kind                 Kind

	// Disksize is derived from the fraction, the cap and the host memory.
	Disksize uint64
}

// Index returns the kernel device number, N in zramN.
func (d Device) Index() uint64 {
	index, _ := ParseDeviceIndex(d.Name)
	return index
}

func (d Device) IsSwap() bool {
	_, ok := d.Kind.(Swap)
	return ok
}

func (d Device) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: host-memory-limit=%s zram-fraction=%v max-zram-size=%s compression-algorithm=",
		d.Name, optionalMB(d.HostMemoryLimitMB), d.ZramFraction, optionalMB(d.MaxZramSizeMB))
	if d.CompressionAlgorithm != "" {
		b.WriteString(d.CompressionAlgorithm)
	} else {
		b.WriteString("<default>")
	}

	switch kind := d.Kind.(type) {
	case Swap:
		fmt.Fprintf(&b, " swap-priority=%d", kind.Priority)
	case Mount:
		mountPoint := kind.Path
		if mountPoint == "" {
			mountPoint = "<none>"
		}
		fmt.Fprintf(&b, " mount-point=%s fs-type=%s", mountPoint, kind.FSType)
	}

	if d.Options != "" {
		fmt.Fprintf(&b, " options=%s", d.Options)
	}

	return b.String()
}

func optionalMB(val *uint64) string {
	if val == nil {
		return "<none>"
	}
	return strconv.FormatUint(*val, 10) + "MB"
}

// ParseDeviceIndex checks that name has the form zram<N>, N being a
// non-negative decimal integer, and returns N.
func ParseDeviceIndex(name string) (uint64, error) {
	suffix, ok := strings.CutPrefix(name, DevicePrefix)
	if !ok || suffix == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDeviceName, name)
	}

	for _, c := range suffix {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDeviceName, name)
		}
	}

	index, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidDeviceName, name, err)
	}
	return index, nil
}

// ComputeDisksize returns the device size in bytes for a host with
// memTotalMB of memory: fraction of the memory, truncated to whole MB,
// capped at maxMB when set.
func ComputeDisksize(fraction, memTotalMB float64, maxMB *uint64) uint64 {
	product := fraction * memTotalMB
	if product < 0 {
		product = 0
	}

	sizeMB := uint64(product)
	if maxMB != nil && *maxMB < sizeMB {
		sizeMB = *maxMB
	}
	return sizeMB * MiB
}
