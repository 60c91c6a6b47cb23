// Package meminfo reads the amount of installed memory from /proc/meminfo.
package meminfo

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrUnavailable = errors.New("memory info unavailable")

// TotalKB returns the MemTotal value of <root>/proc/meminfo in kilobytes.
func TotalKB(root string) (uint64, error) {
	path := filepath.Join(root, "proc/meminfo")

	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}

		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: parse MemTotal %q: %w", ErrUnavailable, path, fields[1], err)
		}
		return kb, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("%w: read %s: %w", ErrUnavailable, path, err)
	}

	return 0, fmt.Errorf("%w: couldn't find MemTotal in %s", ErrUnavailable, path)
}

// TotalMB returns MemTotal in megabytes (1024 kB each), keeping the fraction.
func TotalMB(root string) (float64, error) {
	kb, err := TotalKB(root)
	if err != nil {
		return 0, err
	}
	return float64(kb) / 1024, nil
}
