package fs

import (
	"bytes"
	_ "crypto/sha256" // digest.Canonical
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// WriteFileAtomic ensures atomic writes via rename. Beware that atomicity is only guaranteed on the same filesystem
func WriteFileAtomic(filePath string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, ".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, filePath); err != nil {
		return err
	}

	// fsync dir so rename is durable across power loss
	dfd, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dfd.Close()
	return dfd.Sync()
}

// WriteFileIfChanged creates the parent directories of filePath and atomically
// replaces its content with data, unless the file already holds exactly data.
// It returns the digest of data and whether the file was written.
func WriteFileIfChanged(filePath string, data []byte, perm os.FileMode) (digest.Digest, bool, error) {
	want := digest.FromBytes(data)

	existing, err := os.ReadFile(filePath)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return want, false, nil
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return want, false, fmt.Errorf("read existing content: %w", err)
	}

	if err := MakeParent(filePath); err != nil {
		return want, false, err
	}

	if err := WriteFileAtomic(filePath, data, perm); err != nil {
		return want, false, fmt.Errorf("write %s: %w", filePath, err)
	}

	return want, true, nil
}
