package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shirou/gopsutil/v4/disk"
)

func fixedMount(fsType string) func(string) (Mount, error) {
	return func(path string) (Mount, error) {
		return Mount{Path: path, Mountpoint: "/srv", FSType: fsType}, nil
	}
}

func TestValidateAllowsLocalMount(t *testing.T) {
	t.Parallel()
	if err := validateWith(filepath.Join(t.TempDir(), "journal.db"), fixedMount("ext4")); err != nil {
		t.Fatalf("local mount rejected: %v", err)
	}
}

func TestValidateRejectsNetworkMount(t *testing.T) {
	t.Parallel()
	err := validateWith(filepath.Join(t.TempDir(), "journal.db"), fixedMount("NFS4"))
	if !errors.Is(err, ErrNetworkFilesystem) {
		t.Fatalf("err = %v, want ErrNetworkFilesystem", err)
	}
	for _, want := range []string{"NFS4", "/srv", "--state-path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateInspectsNearestExistingAncestor(t *testing.T) {
	t.Parallel()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var inspected string
	err = validateWith(filepath.Join(root, "a", "b", "journal.db"), func(path string) (Mount, error) {
		inspected = path
		return Mount{FSType: "ext4"}, nil
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want %q", inspected, root)
	}
}

func TestValidateRejectsEmptyPath(t *testing.T) {
	t.Parallel()
	if err := validateWith("", fixedMount("ext4")); err == nil {
		t.Fatal("empty path accepted")
	}
}

func TestMatchMountPrefersLongestMountpoint(t *testing.T) {
	t.Parallel()
	sep := string(os.PathSeparator)
	parts := []disk.PartitionStat{
		{Mountpoint: sep, Fstype: "ext4"},
		{Mountpoint: filepath.Join(sep, "mnt"), Fstype: "tmpfs"},
		{Mountpoint: filepath.Join(sep, "mnt", "share"), Fstype: "cifs"},
		{Mountpoint: filepath.Join(sep, "mnt", "shared"), Fstype: "xfs"},
	}

	cases := []struct {
		path string
		want string
	}{
		{filepath.Join(sep, "mnt", "share", "db"), "cifs"},
		{filepath.Join(sep, "mnt", "sharedata"), "tmpfs"},
		{filepath.Join(sep, "home", "me"), "ext4"},
	}
	for _, tc := range cases {
		if got := matchMount(tc.path, parts); got.FSType != tc.want {
			t.Fatalf("matchMount(%q) = %+v, want %s", tc.path, got, tc.want)
		}
	}
	if matchMount(filepath.Join(sep, "x"), nil).Network() {
		t.Fatal("unmatched path reported as network")
	}
}
