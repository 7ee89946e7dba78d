package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFilesystems break SQLite's locking and flock(2), which the build
// records and the bootstrap lock both rely on.
var remoteFilesystems = map[string]bool{
	"afpfs":  true,
	"afs":    true,
	"ceph":   true,
	"cifs":   true,
	"lustre": true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// RemoteFilesystemError reports a bbq state file placed on a network mount.
type RemoteFilesystemError struct {
	Path    string
	Purpose string
	FSType  string
}

func (e *RemoteFilesystemError) Error() string {
	return fmt.Sprintf("%s %q is on network filesystem %q; point state.path at a local disk", e.Purpose, e.Path, e.FSType)
}

// RequireLocalDisk fails with *RemoteFilesystemError when path, or its
// nearest existing parent, sits on a network filesystem. purpose names
// the file in the error, e.g. "bootstrap lock".
func RequireLocalDisk(path, purpose string) error {
	return requireLocalDisk(path, purpose, filesystemType)
}

func requireLocalDisk(path, purpose string, detect func(string) (string, error)) error {
	existing, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve %s path %q: %w", purpose, path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		// Unknown is not remote.
		return nil
	}
	if remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))] {
		return &RemoteFilesystemError{Path: path, Purpose: purpose, FSType: fsType}
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if filepath.Dir(dir) == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}
