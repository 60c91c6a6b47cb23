package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/maxdollinger/zram-generator/internal/meminfo"
)

// Resolver turns the configuration sections found under a root directory
// into resolved Devices, sized for the memory of the host.
type Resolver struct {
	root     string
	override KernelOverride
	source   SectionSource
	memTotal func(root string) (float64, error)
	logger   *slog.Logger
}

// NewResolver creates a Resolver reading <root>/etc/systemd/zram-generator.conf
// and <root>/proc/meminfo.
func NewResolver(root string, override KernelOverride) *Resolver {
	return &Resolver{
		root:     root,
		override: override,
		source:   IniFile{Path: ConfigPath(root)},
		memTotal: meminfo.TotalMB,
		logger:   slog.Default(),
	}
}

// WithSource replaces the configuration file with src.
func (r *Resolver) WithSource(src SectionSource) *Resolver {
	r.source = src
	return r
}

// ResolveAll returns every configured device that applies to this host, in
// configuration order.
func (r *Resolver) ResolveAll(ctx context.Context) ([]Device, error) {
	if r.override == OverrideOff {
		r.logger.InfoContext(ctx, "disabled on the kernel command line", "option", cmdlineOption)
		return nil, nil
	}

	memTotalMB, err := r.memTotal(r.root)
	if err != nil {
		return nil, err
	}

	sections, err := r.sections(ctx)
	if err != nil {
		return nil, err
	}

	var devices []Device
	for _, section := range sections {
		device, err := r.parseDevice(ctx, section, memTotalMB)
		if err != nil {
			return nil, err
		}
		if device != nil {
			devices = append(devices, *device)
		}
	}

	return devices, nil
}

// ResolveOne returns the device called name, or nil if it is not configured
// or does not apply to this host. The name is validated before anything is
// read.
func (r *Resolver) ResolveOne(ctx context.Context, name string) (*Device, error) {
	if _, err := ParseDeviceIndex(name); err != nil {
		return nil, err
	}

	if r.override == OverrideOff {
		r.logger.InfoContext(ctx, "disabled on the kernel command line", "option", cmdlineOption)
		return nil, nil
	}

	sections, err := r.sections(ctx)
	if err != nil {
		return nil, err
	}

	for _, section := range sections {
		if section.Name != name {
			continue
		}

		memTotalMB, err := r.memTotal(r.root)
		if err != nil {
			return nil, err
		}
		return r.parseDevice(ctx, section, memTotalMB)
	}

	return nil, nil
}

// sections lists the configured sections. A missing configuration file is
// an empty configuration, unless the kernel command line forces a device,
// in which case a default zram0 section stands in.
func (r *Resolver) sections(ctx context.Context) ([]Section, error) {
	sections, err := r.source.Sections()
	if isNotExist(err) {
		r.logger.InfoContext(ctx, "no configuration file found")
		sections, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	if r.override == OverrideOn && !hasDeviceSection(sections) {
		r.logger.InfoContext(ctx, "no devices configured, adding default zram0", "option", cmdlineOption)
		sections = append(sections, Section{Name: DevicePrefix + "0"})
	}

	return sections, nil
}

func hasDeviceSection(sections []Section) bool {
	for _, section := range sections {
		if strings.HasPrefix(section.Name, DevicePrefix) {
			return true
		}
	}
	return false
}

// parseDevice resolves one section. It returns nil for sections that are
// not devices and for devices the host has too much memory for.
func (r *Resolver) parseDevice(ctx context.Context, section Section, memTotalMB float64) (*Device, error) {
	if !strings.HasPrefix(section.Name, DevicePrefix) {
		name := section.Name
		if name == "" {
			name = "(no title)"
		}
		r.logger.InfoContext(ctx, "ignoring section", "section", name)
		return nil, nil
	}

	if _, err := ParseDeviceIndex(section.Name); err != nil {
		return nil, fmt.Errorf("section [%s]: %w", section.Name, err)
	}

	dev := Device{
		Name:         section.Name,
		ZramFraction: DefaultZramFraction,
	}

	for _, key := range []string{"host-memory-limit", "memory-limit"} {
		if val, ok := section.Lookup(key); ok {
			limit, err := parseOptionalMB(section.Name, key, val)
			if err != nil {
				return nil, err
			}
			dev.HostMemoryLimitMB = limit
		}
	}

	if val, ok := section.Lookup("zram-fraction"); ok {
		fraction, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err == nil && (math.IsNaN(fraction) || math.IsInf(fraction, 0) || fraction < 0) {
			err = errors.New("must be a non-negative number")
		}
		if err != nil {
			return nil, invalidValue(section.Name, "zram-fraction", val, err)
		}
		dev.ZramFraction = fraction
	}

	if val, ok := section.Lookup("max-zram-size"); ok {
		maxMB, err := parseOptionalMB(section.Name, "max-zram-size", val)
		if err != nil {
			return nil, err
		}
		dev.MaxZramSizeMB = maxMB
	}

	if val, ok := section.Lookup("compression-algorithm"); ok {
		dev.CompressionAlgorithm = strings.TrimSpace(val)
	}

	if val, ok := section.Lookup("options"); ok {
		dev.Options = strings.TrimSpace(val)
	}

	kind, err := parseKind(section)
	if err != nil {
		return nil, err
	}
	dev.Kind = kind

	r.logger.InfoContext(ctx, "found configuration", "device", dev.String())

	if dev.HostMemoryLimitMB != nil && memTotalMB > float64(*dev.HostMemoryLimitMB) {
		r.logger.InfoContext(ctx, "system has too much memory, ignoring device",
			"device", dev.Name,
			"memory_mb", fmt.Sprintf("%.1f", memTotalMB),
			"limit_mb", *dev.HostMemoryLimitMB)
		return nil, nil
	}

	dev.Disksize = ComputeDisksize(dev.ZramFraction, memTotalMB, dev.MaxZramSizeMB)
	return &dev, nil
}

// parseKind decides between a swap and a mount device from the
// swap-priority, mount-point and fs-type keys.
func parseKind(section Section) (Kind, error) {
	mountPoint, hasMount := section.Lookup("mount-point")
	mountPoint = strings.TrimSpace(mountPoint)
	fsType, hasFSType := section.Lookup("fs-type")
	fsType = strings.TrimSpace(fsType)
	priorityVal, hasPriority := section.Lookup("swap-priority")

	if hasMount && mountPoint != "" {
		if !filepath.IsAbs(mountPoint) {
			return nil, invalidValue(section.Name, "mount-point", mountPoint, errors.New("not an absolute path"))
		}
		if hasPriority {
			return nil, invalidValue(section.Name, "swap-priority", priorityVal, errors.New("not valid together with mount-point"))
		}
		if fsType == "swap" {
			return nil, invalidValue(section.Name, "fs-type", fsType, errors.New("swap cannot be mounted"))
		}
		if !hasFSType || fsType == "" {
			fsType = DefaultMountFSType
		}
		return Mount{Path: filepath.Clean(mountPoint), FSType: fsType}, nil
	}

	if hasFSType && fsType != "" && fsType != "swap" {
		if hasPriority {
			return nil, invalidValue(section.Name, "swap-priority", priorityVal, fmt.Errorf("not valid for fs-type %s", fsType))
		}
		return Mount{FSType: fsType}, nil
	}

	priority := DefaultSwapPriority
	if hasPriority {
		p, err := strconv.Atoi(strings.TrimSpace(priorityVal))
		if err == nil && (p < -1 || p > 32767) {
			err = errors.New("out of range -1..32767")
		}
		if err != nil {
			return nil, invalidValue(section.Name, "swap-priority", priorityVal, err)
		}
		priority = p
	}

	return Swap{Priority: priority}, nil
}

// parseOptionalMB parses a size in megabytes, or the literal "none".
func parseOptionalMB(section, key, val string) (*uint64, error) {
	val = strings.TrimSpace(val)
	if val == "none" {
		return nil, nil
	}

	mb, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return nil, invalidValue(section, key, val, err)
	}
	return &mb, nil
}

func invalidValue(section, key, val string, err error) error {
	return fmt.Errorf("%w: failed to parse %s %q in section [%s]: %w", ErrInvalidValue, key, val, section, err)
}
