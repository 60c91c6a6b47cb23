package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MakeParent creates all missing parent directories of path.
func MakeParent(path string) error {
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return nil
}

// MakeSymlink creates link pointing at target, creating the parent directory
// of link as needed. An existing link that already points at target is left
// alone; anything else in the way is an error.
func MakeSymlink(target, link string) error {
	if err := MakeParent(link); err != nil {
		return err
	}

	err := os.Symlink(target, link)
	if err == nil {
		return nil
	}

	if errors.Is(err, fs.ErrExist) {
		if current, readErr := os.Readlink(link); readErr == nil && current == target {
			return nil
		}
	}

	return fmt.Errorf("create symlink: %w", err)
}

// Exists reports whether path can be stat'ed.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteAttribute writes value to a kernel attribute file such as
// /sys/block/zram0/disksize. The returned error wraps the underlying errno
// so callers can classify kernel rejections.
func WriteAttribute(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write attribute: %w", err)
	}
	return nil
}

// ReadAttribute reads a kernel attribute file and strips trailing whitespace.
func ReadAttribute(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read attribute: %w", err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}
