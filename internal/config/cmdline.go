package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KernelOverride is the state of the systemd.zram kernel command line option.
type KernelOverride int

const (
	OverrideUnset KernelOverride = iota
	OverrideOn
	OverrideOff
)

const cmdlineOption = "systemd.zram"

func (o KernelOverride) String() string {
	switch o {
	case OverrideOn:
		return "on"
	case OverrideOff:
		return "off"
	default:
		return "unset"
	}
}

// ParseKernelCmdline extracts the systemd.zram option from a kernel command
// line. A bare "systemd.zram" means on; the last occurrence wins; values that
// are not booleans are ignored.
func ParseKernelCmdline(cmdline string) KernelOverride {
	override := OverrideUnset

	for _, word := range strings.Fields(cmdline) {
		key, value, hasValue := strings.Cut(word, "=")
		if key != cmdlineOption {
			continue
		}

		if !hasValue {
			override = OverrideOn
			continue
		}

		switch strings.ToLower(value) {
		case "1", "yes", "y", "true", "t", "on":
			override = OverrideOn
		case "0", "no", "n", "false", "f", "off":
			override = OverrideOff
		}
	}

	return override
}

// ReadKernelOverride parses <root>/proc/cmdline. A missing file means unset.
func ReadKernelOverride(root string) (KernelOverride, error) {
	path := filepath.Join(root, "proc/cmdline")

	data, err := os.ReadFile(path)
	if isNotExist(err) {
		return OverrideUnset, nil
	}
	if err != nil {
		return OverrideUnset, fmt.Errorf("kernel command line: %w", err)
	}

	return ParseKernelCmdline(string(data)), nil
}
