package menu

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ChecksumSuffix names the sidecar holding the artifact's BLAKE3 hash.
const ChecksumSuffix = ".b3"

// Save writes m to path atomically, followed by its checksum sidecar.
func Save(path string, m *Menu) error {
	if m == nil {
		return fmt.Errorf("menu is nil")
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal menu: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create menu directory: %w", err)
	}
	if err := writeAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write menu: %w", err)
	}
	if err := writeAtomic(path+ChecksumSuffix, []byte(Checksum(data)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write menu checksum: %w", err)
	}
	return nil
}

// Load reads the artifact at path. A present checksum sidecar must match.
// The document must carry meta, flavors and paths.
func Load(path string) (*Menu, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu: %w", err)
	}

	sum, err := os.ReadFile(path + ChecksumSuffix)
	switch {
	case err == nil:
		if want := strings.TrimSpace(string(sum)); want != Checksum(data) {
			return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrInvalidMenu, filepath.Base(path))
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read menu checksum: %w", err)
	}

	return Decode(data)
}

// Decode parses an artifact document.
func Decode(data []byte) (*Menu, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMenu, err)
	}
	for _, key := range []string{"meta", "flavors", "paths"} {
		raw, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidMenu, key)
		}
	}

	var m Menu
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMenu, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Checksum returns the hex BLAKE3 hash of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

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
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
