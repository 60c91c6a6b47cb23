package generator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/maxdollinger/zram-generator/internal/config"
	"github.com/maxdollinger/zram-generator/pkg/runner"
)

func swapDevice(name string, disksizeMB uint64) config.Device {
	return config.Device{
		Name:         name,
		ZramFraction: 0.5,
		Kind:         config.Swap{Priority: config.DefaultSwapPriority},
		Disksize:     disksizeMB * config.MiB,
	}
}

func newTestGenerator(root string, r runner.Runner, testMode bool) *Generator {
	g := NewGenerator(root, r, testMode)
	g.exeName = "/usr/lib/systemd/system-generators/zram-generator"
	return g
}

// notInContainer makes systemd-detect-virt report a bare metal host.
func notInContainer() *runner.Script {
	return runner.NewScript().On("systemd-detect-virt", runner.Result{Status: runner.Status{Code: 1}})
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func mkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func TestRunWritesSwapUnits(t *testing.T) {
	outputDir := t.TempDir()
	script := runner.NewScript()

	err := newTestGenerator(t.TempDir(), script, true).
		Run(context.Background(), []config.Device{swapDevice("zram0", 500)}, outputDir)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantUnit := `# Automatically generated by /usr/lib/systemd/system-generators/zram-generator

[Unit]
Description=Compressed Swap on /dev/zram0
Documentation=man:zram-generator(8) man:zram-generator.conf(5)
Requires=systemd-zram-setup@zram0.service
After=systemd-zram-setup@zram0.service

[Swap]
What=/dev/zram0
Priority=100
`
	if diff := cmp.Diff(wantUnit, readFile(t, filepath.Join(outputDir, "dev-zram0.swap"))); diff != "" {
		t.Errorf("swap unit mismatch (-want +got):\n%s", diff)
	}

	wantDropIn := `# Automatically generated by /usr/lib/systemd/system-generators/zram-generator

[Unit]
BindsTo=dev-%i.swap
`
	dropIn := filepath.Join(outputDir, "systemd-zram-setup@zram0.service.d", "bindsto-swap.conf")
	if diff := cmp.Diff(wantDropIn, readFile(t, dropIn)); diff != "" {
		t.Errorf("drop-in mismatch (-want +got):\n%s", diff)
	}

	target, err := os.Readlink(filepath.Join(outputDir, "swap.target.wants", "dev-zram0.swap"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "../dev-zram0.swap" {
		t.Errorf("symlink target = %q, want %q", target, "../dev-zram0.swap")
	}

	if len(script.Calls) != 0 {
		t.Errorf("test mode spawned %v", script.Calls)
	}
}

func TestRunSwapOptions(t *testing.T) {
	outputDir := t.TempDir()
	device := swapDevice("zram2", 64)
	device.Kind = config.Swap{Priority: -1}
	device.Options = "discard"

	if err := newTestGenerator(t.TempDir(), runner.NewScript(), true).
		Run(context.Background(), []config.Device{device}, outputDir); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := readFile(t, filepath.Join(outputDir, "dev-zram2.swap"))
	want := "[Swap]\nWhat=/dev/zram2\nPriority=-1\nOptions=discard\n"
	if len(got) < len(want) || got[len(got)-len(want):] != want {
		t.Errorf("swap unit ends with %q, want %q", got, want)
	}
}

func TestRunWritesMountUnits(t *testing.T) {
	outputDir := t.TempDir()
	device := config.Device{
		Name:     "zram1",
		Kind:     config.Mount{Path: "/var/compressed", FSType: "ext4"},
		Disksize: 128 * config.MiB,
	}

	if err := newTestGenerator(t.TempDir(), runner.NewScript(), true).
		Run(context.Background(), []config.Device{device}, outputDir); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantUnit := `# Automatically generated by /usr/lib/systemd/system-generators/zram-generator

[Unit]
Description=Compressed Storage on /dev/zram1
Documentation=man:zram-generator(8) man:zram-generator.conf(5)
Requires=systemd-zram-setup@zram1.service
After=systemd-zram-setup@zram1.service

[Mount]
What=/dev/zram1
Where=/var/compressed
`
	if diff := cmp.Diff(wantUnit, readFile(t, filepath.Join(outputDir, "var-compressed.mount"))); diff != "" {
		t.Errorf("mount unit mismatch (-want +got):\n%s", diff)
	}

	dropIn := readFile(t, filepath.Join(outputDir, "systemd-zram-setup@zram1.service.d", "bindsto-mount.conf"))
	if want := "[Unit]\nBindsTo=var-compressed.mount\n"; dropIn[len(dropIn)-len(want):] != want {
		t.Errorf("drop-in = %q, want suffix %q", dropIn, want)
	}

	target, err := os.Readlink(filepath.Join(outputDir, "local-fs.target.wants", "var-compressed.mount"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "../var-compressed.mount" {
		t.Errorf("symlink target = %q", target)
	}
}

func TestRunMountWithoutPathWritesNothing(t *testing.T) {
	outputDir := t.TempDir()
	device := config.Device{Name: "zram0", Kind: config.Mount{FSType: "ext4"}}

	if err := newTestGenerator(t.TempDir(), runner.NewScript(), true).
		Run(context.Background(), []config.Device{device}, outputDir); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries, _ := os.ReadDir(outputDir)
	if len(entries) != 0 {
		t.Errorf("expected empty output directory, found %d entries", len(entries))
	}
}

func TestRunWithoutDevices(t *testing.T) {
	outputDir := t.TempDir()
	script := runner.NewScript()

	if err := newTestGenerator(t.TempDir(), script, false).Run(context.Background(), nil, outputDir); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries, _ := os.ReadDir(outputDir)
	if len(entries) != 0 {
		t.Errorf("expected empty output directory, found %d entries", len(entries))
	}
	if len(script.Calls) != 0 {
		t.Errorf("unexpected calls %v", script.Calls)
	}
}

func TestRunInContainer(t *testing.T) {
	outputDir := t.TempDir()
	script := runner.NewScript() // systemd-detect-virt succeeds

	err := newTestGenerator(t.TempDir(), script, false).
		Run(context.Background(), []config.Device{swapDevice("zram0", 100)}, outputDir)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries, _ := os.ReadDir(outputDir)
	if len(entries) != 0 {
		t.Errorf("expected empty output directory, found %d entries", len(entries))
	}
	want := []runner.Call{{Name: "systemd-detect-virt", Args: []string{"--quiet", "--container"}}}
	if diff := cmp.Diff(want, script.Calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunDetectVirtMissing(t *testing.T) {
	root := t.TempDir()
	mkdir(t, filepath.Join(root, "sys/class/zram-control"))
	mkdir(t, filepath.Join(root, "dev"))
	if err := os.WriteFile(filepath.Join(root, "dev", "zram0"), nil, 0o644); err != nil {
		t.Fatalf("create device: %v", err)
	}

	script := runner.NewScript().On("systemd-detect-virt", runner.Result{Err: exec.ErrNotFound})
	outputDir := t.TempDir()

	err := newTestGenerator(root, script, false).
		Run(context.Background(), []config.Device{swapDevice("zram0", 100)}, outputDir)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outputDir, "dev-zram0.swap")); err != nil {
		t.Errorf("units should be written when detection fails: %v", err)
	}
}

// hotAddFake answers reads of hot_add with successive indices.
type hotAddFake struct {
	next  int
	reads int
}

func (f *hotAddFake) read(path string) (string, error) {
	f.reads++
	index := f.next
	f.next++
	return fmt.Sprint(index), nil
}

func TestRunAddsMissingDevices(t *testing.T) {
	root := t.TempDir()
	mkdir(t, filepath.Join(root, "sys/class/zram-control"))

	script := notInContainer()
	fake := &hotAddFake{}
	g := newTestGenerator(root, script, false)
	g.readAttribute = fake.read

	devices := []config.Device{swapDevice("zram0", 100), swapDevice("zram1", 100)}
	if err := g.Run(context.Background(), devices, t.TempDir()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if fake.reads != 2 {
		t.Errorf("hot_add read %d times, want 2 (until it returns 1)", fake.reads)
	}
	if calls := script.CallsTo("modprobe"); len(calls) != 0 {
		t.Errorf("zram-control exists, modprobe should not run: %v", calls)
	}
}

func TestRunSkipsHotAddWhenDeviceExists(t *testing.T) {
	root := t.TempDir()
	mkdir(t, filepath.Join(root, "sys/class/zram-control"))
	mkdir(t, filepath.Join(root, "dev"))
	if err := os.WriteFile(filepath.Join(root, "dev", "zram3"), nil, 0o644); err != nil {
		t.Fatalf("create device: %v", err)
	}

	fake := &hotAddFake{}
	g := newTestGenerator(root, notInContainer(), false)
	g.readAttribute = fake.read

	if err := g.Run(context.Background(), []config.Device{swapDevice("zram3", 100)}, t.TempDir()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fake.reads != 0 {
		t.Errorf("hot_add read %d times, want 0", fake.reads)
	}
}

func TestRunReadsHotAddAttribute(t *testing.T) {
	root := t.TempDir()
	controlDir := filepath.Join(root, "sys/class/zram-control")
	mkdir(t, controlDir)
	// sysfs attributes may carry any trailing whitespace.
	if err := os.WriteFile(filepath.Join(controlDir, "hot_add"), []byte("5 \t\n"), 0o644); err != nil {
		t.Fatalf("write hot_add: %v", err)
	}

	g := newTestGenerator(root, notInContainer(), false).WithHotAddTimeout(time.Second)
	if err := g.Run(context.Background(), []config.Device{swapDevice("zram5", 100)}, t.TempDir()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestRunLoadsZramModule(t *testing.T) {
	root := t.TempDir()
	mkdir(t, filepath.Join(root, "dev"))
	if err := os.WriteFile(filepath.Join(root, "dev", "zram0"), nil, 0o644); err != nil {
		t.Fatalf("create device: %v", err)
	}

	script := notInContainer().On("modprobe", runner.Result{Err: fmt.Errorf("spawn modprobe: %w", exec.ErrNotFound)})

	err := newTestGenerator(root, script, false).
		Run(context.Background(), []config.Device{swapDevice("zram0", 100)}, t.TempDir())
	if err != nil {
		t.Fatalf("missing modprobe must not be fatal: %v", err)
	}

	want := []runner.Call{{Name: "modprobe", Args: []string{"zram"}}}
	if diff := cmp.Diff(want, script.CallsTo("modprobe")); diff != "" {
		t.Errorf("modprobe calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunModprobeFailuresAreNotFatal(t *testing.T) {
	for _, result := range []runner.Result{
		{Err: errors.New("permission denied")},
		{Status: runner.Status{Code: 1}},
	} {
		root := t.TempDir()
		mkdir(t, filepath.Join(root, "dev"))
		if err := os.WriteFile(filepath.Join(root, "dev", "zram0"), nil, 0o644); err != nil {
			t.Fatalf("create device: %v", err)
		}

		script := notInContainer().On("modprobe", result)
		if err := newTestGenerator(root, script, false).
			Run(context.Background(), []config.Device{swapDevice("zram0", 100)}, t.TempDir()); err != nil {
			t.Errorf("modprobe result %+v: Run failed: %v", result, err)
		}
	}
}

func TestRunHotAddFailures(t *testing.T) {
	tests := []struct {
		name string
		read func(string) (string, error)
		want error
	}{
		{
			name: "read fails",
			read: func(string) (string, error) { return "", os.ErrPermission },
			want: os.ErrPermission,
		},
		{
			name: "not a number",
			read: func(string) (string, error) { return "garbage", nil },
		},
		{
			name: "never enough devices",
			read: func(string) (string, error) { return "0", nil },
			want: ErrHotAddTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			mkdir(t, filepath.Join(root, "sys/class/zram-control"))

			g := newTestGenerator(root, notInContainer(), false).WithHotAddTimeout(20 * time.Millisecond)
			g.readAttribute = tt.read

			err := g.Run(context.Background(), []config.Device{swapDevice("zram2", 100)}, t.TempDir())
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRunFailsFast(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "not-a-directory")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	devices := []config.Device{swapDevice("zram0", 100), swapDevice("zram1", 100)}

	err := newTestGenerator(t.TempDir(), runner.NewScript(), true).
		Run(context.Background(), devices, filepath.Join(blocker, "out"))
	if err == nil {
		t.Fatal("expected error writing below a regular file")
	}
	if !strings.HasPrefix(err.Error(), "device zram0: ") {
		t.Errorf("err = %v, want failure on the first device", err)
	}
}

func TestRunIsRepeatable(t *testing.T) {
	outputDir := t.TempDir()
	g := newTestGenerator(t.TempDir(), runner.NewScript(), true)
	devices := []config.Device{swapDevice("zram0", 100)}

	for i := 0; i < 2; i++ {
		if err := g.Run(context.Background(), devices, outputDir); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}
}

func TestRunLoadsMissingCompressors(t *testing.T) {
	root := t.TempDir()
	mkdir(t, filepath.Join(root, "proc"))
	crypto := "name         : zstd\ndriver       : zstd-generic\n\nname         : lzo-rle\n"
	if err := os.WriteFile(filepath.Join(root, "proc", "crypto"), []byte(crypto), 0o644); err != nil {
		t.Fatalf("write crypto: %v", err)
	}

	var devices []config.Device
	for i, algorithm := range []string{"zstd", "lz4", "", "lz4", "842"} {
		device := swapDevice(fmt.Sprintf("zram%d", i), 10)
		device.CompressionAlgorithm = algorithm
		devices = append(devices, device)
	}

	script := runner.NewScript()
	if err := newTestGenerator(root, script, true).Run(context.Background(), devices, t.TempDir()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []runner.Call{
		{Name: "modprobe", Args: []string{"crypto-842"}},
		{Name: "modprobe", Args: []string{"crypto-lz4"}},
	}
	if diff := cmp.Diff(want, script.CallsTo("modprobe")); diff != "" {
		t.Errorf("modprobe calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunUnreadableCryptoIsEmpty(t *testing.T) {
	device := swapDevice("zram0", 10)
	device.CompressionAlgorithm = "zstd"

	script := runner.NewScript()
	if err := newTestGenerator(t.TempDir(), script, true).
		Run(context.Background(), []config.Device{device}, t.TempDir()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []runner.Call{{Name: "modprobe", Args: []string{"crypto-zstd"}}}
	if diff := cmp.Diff(want, script.CallsTo("modprobe")); diff != "" {
		t.Errorf("modprobe calls mismatch (-want +got):\n%s", diff)
	}
}

func TestParseKnownCompressors(t *testing.T) {
	data := `name         : zstd
driver       : zstd-scomp
module       : zstd
priority     : 0
refcnt       : 1
selftest     : passed
internal     : no
type         : scomp

name         : zstd
driver       : zstd-generic
module       : zstd
priority     : 0
refcnt       : 1
selftest     : passed
internal     : no
type         : compression

name         : ccm(aes)
driver       : ccm_base(ctr(aes-aesni),cbcmac(aes-aesni))
module       : ccm
priority     : 300
refcnt       : 2
selftest     : passed
internal     : no
type         : aead
async        : no
geniv        : <none>
`
	want := map[string]struct{}{"zstd": {}, "ccm(aes)": {}}
	if diff := cmp.Diff(want, ParseKnownCompressors(data)); diff != "" {
		t.Errorf("compressors mismatch (-want +got):\n%s", diff)
	}

	if got := ParseKnownCompressors(""); len(got) != 0 {
		t.Errorf("empty listing gave %v", got)
	}
}

func TestMountUnitName(t *testing.T) {
	tests := map[string]string{
		"/var/tmp":     "var-tmp.mount",
		"/var/tmp/":    "var-tmp.mount",
		"//srv//data":  "srv-data.mount",
		"/":            "-.mount",
		"/srv/my-data": `srv-my\x2ddata.mount`,
		"/.cache":      `\x2ecache.mount`,
		"/a b/c.d":     `a\x20b-c.d.mount`,
		"/mnt/ö":       `mnt-\xc3\xb6.mount`,
	}

	for path, want := range tests {
		if got := MountUnitName(path); got != want {
			t.Errorf("MountUnitName(%q) = %q, want %q", path, got, want)
		}
	}
}
