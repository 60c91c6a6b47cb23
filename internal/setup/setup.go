// Package setup prepares a single zram device for use, or tears it down.
//
// Setup is what systemd-zram-setup@zramN.service runs: it configures the
// compression algorithm and size through sysfs and formats the device.
// Reset undoes all of it and needs no configuration at all.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/maxdollinger/zram-generator/internal/config"
	"github.com/maxdollinger/zram-generator/pkg/fs"
	"github.com/maxdollinger/zram-generator/pkg/runner"
)

type DeviceManager struct {
	root           string
	runner         runner.Runner
	writeAttribute func(path, value string) error
	logger         *slog.Logger
}

func NewDeviceManager(root string, r runner.Runner) *DeviceManager {
	return &DeviceManager{
		root:           root,
		runner:         r,
		writeAttribute: fs.WriteAttribute,
		logger:         slog.Default(),
	}
}

func (m *DeviceManager) blockDir(name string) string {
	return filepath.Join(m.root, "sys/block", name)
}

func (m *DeviceManager) devicePath(name string) string {
	return filepath.Join(m.root, "dev", name)
}

// Setup configures and formats the device called name. device is the
// resolved configuration for it, nil if there is none.
func (m *DeviceManager) Setup(ctx context.Context, device *config.Device, name string) error {
	if device == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}

	if device.CompressionAlgorithm != "" {
		path := filepath.Join(m.blockDir(name), "comp_algorithm")
		err := m.writeAttribute(path, device.CompressionAlgorithm)
		switch {
		case errors.Is(err, unix.EINVAL):
			m.logger.WarnContext(ctx, "compression algorithm was not recognized by the kernel, using the default",
				"device", name,
				"algorithm", device.CompressionAlgorithm)
		case err != nil:
			return fmt.Errorf("set compression algorithm: %w", err)
		}
	}

	disksize := strconv.FormatUint(device.Disksize, 10)
	if err := m.writeAttribute(filepath.Join(m.blockDir(name), "disksize"), disksize); err != nil {
		return fmt.Errorf("set disksize: %w", err)
	}
	m.logger.InfoContext(ctx, "configured device", "device", name, "disksize", disksize)

	return m.format(ctx, device, name)
}

// format runs mkswap for swap devices and mkfs.<fs-type> for everything else.
func (m *DeviceManager) format(ctx context.Context, device *config.Device, name string) error {
	formatter := "mkswap"
	if !device.IsSwap() {
		mount, _ := device.Kind.(config.Mount)
		formatter = "mkfs." + mount.FSType
	}

	devicePath := m.devicePath(name)
	m.logger.DebugContext(ctx, "formatting device", "device", devicePath, "command", formatter)

	status, err := m.runner.Run(ctx, formatter, devicePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFormatFailed, err)
	}

	if status.Signaled() {
		return fmt.Errorf("%w: %s on %s was killed by %s", ErrFormatFailed, formatter, devicePath, status)
	}
	if !status.Success() {
		return fmt.Errorf("%w: %s on %s failed with %s", ErrFormatFailed, formatter, devicePath, status)
	}

	return nil
}

// Reset destroys the device called name by writing its reset attribute.
// The configuration is never consulted, so a device can be torn down after
// its section was removed.
func (m *DeviceManager) Reset(ctx context.Context, name string) error {
	if _, err := config.ParseDeviceIndex(name); err != nil {
		return err
	}

	if err := m.writeAttribute(filepath.Join(m.blockDir(name), "reset"), "1"); err != nil {
		return fmt.Errorf("reset %s: %w", name, err)
	}

	m.logger.InfoContext(ctx, "reset device", "device", name)
	return nil
}
