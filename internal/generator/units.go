package generator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/maxdollinger/zram-generator/internal/config"
	"github.com/maxdollinger/zram-generator/pkg/fs"
)

const documentation = "man:zram-generator(8) man:zram-generator.conf(5)"

func (g *Generator) writeUnits(ctx context.Context, outputDir string, device config.Device) error {
	switch kind := device.Kind.(type) {
	case config.Swap:
		return g.writeSwapUnits(ctx, outputDir, device, kind)
	case config.Mount:
		if kind.Path == "" {
			return nil
		}
		return g.writeMountUnits(ctx, outputDir, device, kind)
	default:
		return fmt.Errorf("unknown device kind %T", device.Kind)
	}
}

func (g *Generator) writeSwapUnits(ctx context.Context, outputDir string, device config.Device, swap config.Swap) error {
	swapName := fmt.Sprintf("dev-%s.swap", device.Name)

	g.logger.InfoContext(ctx, "creating unit",
		"unit", swapName,
		"device", "/dev/"+device.Name,
		"size_mb", device.Disksize/config.MiB)

	// systemd-zram-setup@.service is packaged, we only bind it to the swap.
	err := g.writeContents(ctx, outputDir,
		fmt.Sprintf("systemd-zram-setup@%s.service.d/bindsto-swap.conf", device.Name),
		"[Unit]\nBindsTo=dev-%i.swap\n")
	if err != nil {
		return err
	}

	var unit strings.Builder
	writeUnitSection(&unit, "Compressed Swap", device.Name)
	fmt.Fprintf(&unit, "\n[Swap]\nWhat=/dev/%s\nPriority=%d\n", device.Name, swap.Priority)
	if device.Options != "" {
		fmt.Fprintf(&unit, "Options=%s\n", device.Options)
	}

	if err := g.writeContents(ctx, outputDir, swapName, unit.String()); err != nil {
		return err
	}

	return fs.MakeSymlink("../"+swapName, filepath.Join(outputDir, "swap.target.wants", swapName))
}

func (g *Generator) writeMountUnits(ctx context.Context, outputDir string, device config.Device, mount config.Mount) error {
	mountName := MountUnitName(mount.Path)

	g.logger.InfoContext(ctx, "creating unit",
		"unit", mountName,
		"device", "/dev/"+device.Name,
		"size_mb", device.Disksize/config.MiB)

	err := g.writeContents(ctx, outputDir,
		fmt.Sprintf("systemd-zram-setup@%s.service.d/bindsto-mount.conf", device.Name),
		fmt.Sprintf("[Unit]\nBindsTo=%s\n", mountName))
	if err != nil {
		return err
	}

	var unit strings.Builder
	writeUnitSection(&unit, "Compressed Storage", device.Name)
	fmt.Fprintf(&unit, "\n[Mount]\nWhat=/dev/%s\nWhere=%s\n", device.Name, mount.Path)
	if device.Options != "" {
		fmt.Fprintf(&unit, "Options=%s\n", device.Options)
	}

	if err := g.writeContents(ctx, outputDir, mountName, unit.String()); err != nil {
		return err
	}

	return fs.MakeSymlink("../"+mountName, filepath.Join(outputDir, "local-fs.target.wants", mountName))
}

func writeUnitSection(b *strings.Builder, what, deviceName string) {
	fmt.Fprintf(b, "[Unit]\nDescription=%s on /dev/%s\nDocumentation=%s\n", what, deviceName, documentation)
	fmt.Fprintf(b, "Requires=systemd-zram-setup@%s.service\nAfter=systemd-zram-setup@%s.service\n", deviceName, deviceName)
}

// writeContents writes outputDir/filename behind the generated-file header.
func (g *Generator) writeContents(ctx context.Context, outputDir, filename, contents string) error {
	path := filepath.Join(outputDir, filename)
	data := fmt.Sprintf("# Automatically generated by %s\n\n%s", g.exeName, contents)

	d, written, err := fs.WriteFileIfChanged(path, []byte(data), 0o644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	g.logger.DebugContext(ctx, "unit file", "path", path, "digest", d.String(), "written", written)
	return nil
}

// MountUnitName returns the systemd mount unit name for an absolute path,
// escaped the way systemd-escape --path --suffix=mount does.
func MountUnitName(path string) string {
	return escapePath(path) + ".mount"
}

func escapePath(path string) string {
	path = strings.Trim(filepath.Clean(path), "/")
	if path == "" {
		return "-"
	}

	var b strings.Builder
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c == '/':
			b.WriteByte('-')
		case c == '.' && i == 0:
			fmt.Fprintf(&b, `\x%02x`, c)
		case isUnitNameChar(c):
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, `\x%02x`, c)
		}
	}
	return b.String()
}

func isUnitNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == ':' || c == '_' || c == '.'
}
