package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// ErrNetworkFilesystem marks a state path whose mount cannot provide the
// locking the journal and the PID lock rely on.
var ErrNetworkFilesystem = errors.New("state path is on a network filesystem")

var networkFilesystems = map[string]struct{}{
	"9p":         {},
	"afpfs":      {},
	"cifs":       {},
	"fuse.sshfs": {},
	"nfs":        {},
	"nfs4":       {},
	"smb2":       {},
	"smb3":       {},
	"smbfs":      {},
	"webdav":     {},
}

// Mount is the filesystem a state path resolves to.
type Mount struct {
	Path       string
	Mountpoint string
	FSType     string
}

// Network reports whether the mount type is a known network filesystem.
func (m Mount) Network() bool {
	_, ok := networkFilesystems[strings.ToLower(strings.TrimSpace(m.FSType))]
	return ok
}

// ValidateFilesystem refuses state paths on network mounts. Paths that do
// not exist yet are judged by their nearest existing ancestor.
func ValidateFilesystem(path string) error {
	return validateWith(path, mountFor)
}

func validateWith(path string, lookup func(string) (Mount, error)) error {
	if path == "" {
		return fmt.Errorf("state path is empty")
	}
	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}
	m, err := lookup(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if m.Network() {
		return fmt.Errorf("%w: %q is on %s mount %s; set state.path (or --state-path) to a local file",
			ErrNetworkFilesystem, path, m.FSType, m.Mountpoint)
	}
	return nil
}

// mountFor treats an unreadable mount table as local; gopsutil may also
// return a partial table alongside an error.
func mountFor(path string) (Mount, error) {
	parts, _ := disk.Partitions(true)
	return matchMount(path, parts), nil
}

// matchMount picks the partition with the longest mountpoint containing
// path. No match yields a Mount with an empty FSType.
func matchMount(path string, parts []disk.PartitionStat) Mount {
	m := Mount{Path: path}
	for _, p := range parts {
		if len(p.Mountpoint) <= len(m.Mountpoint) || !within(path, p.Mountpoint) {
			continue
		}
		m.Mountpoint = p.Mountpoint
		m.FSType = p.Fstype
	}
	return m
}

func within(path, mountpoint string) bool {
	rel, err := filepath.Rel(mountpoint, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(candidate); err == nil {
			if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
				return resolved, nil
			}
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing ancestor")
		}
		candidate = parent
	}
}
