// Package generator writes the systemd units that activate configured zram
// devices, and makes sure the kernel has created those devices.
//
// A run proceeds in order:
//  1. write, per device, a drop-in for systemd-zram-setup@.service, a swap
//     or mount unit and its enablement symlink
//  2. load the zram module if /sys/class/zram-control is missing
//  3. read hot_add until the highest configured zramN exists
//  4. load crypto modules for compression algorithms the kernel does not
//     know yet
//
// The first device whose units cannot be written aborts the run. Steps 2
// and 3 are skipped in test mode.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/maxdollinger/zram-generator/internal/config"
	"github.com/maxdollinger/zram-generator/pkg/fs"
	"github.com/maxdollinger/zram-generator/pkg/runner"
	"github.com/maxdollinger/zram-generator/pkg/utils"
)

const DefaultHotAddTimeout = 30 * time.Second

type Generator struct {
	root          string
	testMode      bool
	runner        runner.Runner
	exeName       string
	hotAddTimeout time.Duration
	readAttribute func(path string) (string, error)
	logger        *slog.Logger
}

// NewGenerator creates a Generator that looks up kernel interfaces under
// root and spawns helpers through r. In test mode it neither bails out in
// containers nor touches kernel modules or devices.
func NewGenerator(root string, r runner.Runner, testMode bool) *Generator {
	exeName, err := os.Executable()
	if err != nil {
		exeName = "zram-generator"
	}

	return &Generator{
		root:          root,
		testMode:      testMode,
		runner:        r,
		exeName:       exeName,
		hotAddTimeout: DefaultHotAddTimeout,
		readAttribute: fs.ReadAttribute,
		logger:        slog.Default(),
	}
}

// WithHotAddTimeout bounds how long Run waits for the kernel to create
// devices. Zero waits for as long as the context allows.
func (g *Generator) WithHotAddTimeout(timeout time.Duration) *Generator {
	g.hotAddTimeout = timeout
	return g
}

func (g *Generator) controlDir() string {
	return filepath.Join(g.root, "sys/class/zram-control")
}

// Run generates units for devices into outputDir.
func (g *Generator) Run(ctx context.Context, devices []config.Device, outputDir string) error {
	if len(devices) == 0 {
		g.logger.InfoContext(ctx, "no devices configured, exiting")
		return nil
	}

	if !g.testMode && g.inContainer(ctx) {
		g.logger.InfoContext(ctx, "running in a container, exiting")
		return nil
	}

	for _, device := range devices {
		if err := g.writeUnits(ctx, outputDir, device); err != nil {
			return fmt.Errorf("device %s: %w", device.Name, err)
		}
	}

	if !g.testMode {
		if !fs.Exists(g.controlDir()) {
			g.modprobe(ctx, "zram")
		}

		if err := g.ensureDevices(ctx, devices); err != nil {
			return err
		}
	}

	g.loadCompressors(ctx, devices)

	return nil
}

// inContainer asks systemd-detect-virt whether we run in a container. If
// it cannot be spawned we assume we don't.
func (g *Generator) inContainer(ctx context.Context) bool {
	status, err := g.runner.Run(ctx, "systemd-detect-virt", "--quiet", "--container")
	if err != nil {
		g.logger.WarnContext(ctx, "systemd-detect-virt call failed, assuming we're not in a container", "error", err)
		return false
	}
	return status.Success()
}

// modprobe loads a kernel module. Failures are logged, never returned.
func (g *Generator) modprobe(ctx context.Context, module string) {
	status, err := g.runner.Run(ctx, "modprobe", module)
	switch {
	case err != nil && runner.IsNotFound(err):
		g.logger.DebugContext(ctx, "modprobe cannot be spawned, ignoring", "module", module, "error", err)
	case err != nil:
		g.logger.WarnContext(ctx, "modprobe cannot be spawned, ignoring", "module", module, "error", err)
	case !status.Success():
		g.logger.WarnContext(ctx, "modprobe failed, ignoring", "module", module, "status", status.String())
	}
}

// ensureDevices reads hot_add, which creates one device per read and
// returns its number, until the highest configured device exists.
func (g *Generator) ensureDevices(ctx context.Context, devices []config.Device) error {
	var maxIndex uint64
	for _, device := range devices {
		maxIndex = max(maxIndex, device.Index())
	}

	if fs.Exists(filepath.Join(g.root, "dev", fmt.Sprintf("zram%d", maxIndex))) {
		return nil
	}

	hotAdd := filepath.Join(g.controlDir(), "hot_add")
	err := utils.PollUntil(ctx, g.hotAddTimeout, func() (bool, error) {
		value, err := g.readAttribute(hotAdd)
		if err != nil {
			return false, fmt.Errorf("adding zram device: %w", err)
		}

		index, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return false, fmt.Errorf("fresh zram device number %q: %w", value, err)
		}

		g.logger.DebugContext(ctx, "kernel added zram device", "index", index)
		return index >= maxIndex, nil
	})
	if errors.Is(err, utils.ErrPollTimeout) {
		return fmt.Errorf("%w: waiting for zram%d: %w", ErrHotAddTimeout, maxIndex, err)
	}
	return err
}

// loadCompressors loads crypto-<alg> for every requested compression
// algorithm missing from /proc/crypto.
func (g *Generator) loadCompressors(ctx context.Context, devices []config.Device) {
	var wanted []string
	for _, device := range devices {
		if device.CompressionAlgorithm != "" {
			wanted = append(wanted, device.CompressionAlgorithm)
		}
	}
	if len(wanted) == 0 {
		return
	}
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)

	path := filepath.Join(g.root, "proc/crypto")
	data, err := os.ReadFile(path)
	if err != nil {
		g.logger.WarnContext(ctx, "failed to read crypto algorithms, proceeding as if empty", "path", path, "error", err)
		data = nil
	}
	known := ParseKnownCompressors(string(data))

	for _, algorithm := range wanted {
		if _, ok := known[algorithm]; ok {
			continue
		}
		g.modprobe(ctx, "crypto-"+algorithm)
	}
}

// ParseKnownCompressors returns the algorithm names listed in a
// /proc/crypto dump. Non-compression algorithms are included too.
func ParseKnownCompressors(procCrypto string) map[string]struct{} {
	known := make(map[string]struct{})
	for _, line := range strings.Split(procCrypto, "\n") {
		if !strings.HasPrefix(line, "name") {
			continue
		}
		i := strings.LastIndex(line, ":")
		known[strings.TrimSpace(line[i+1:])] = struct{}{}
	}
	return known
}
