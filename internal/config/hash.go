package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile optionally pins config files to known BLAKE3 hashes.
const ChecksumFile = ".checksums"

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// verifyPinnedHash checks path against the .checksums file in its directory.
// Files without a checksums file, or not listed in it, are not pinned.
func verifyPinnedHash(path, actual string) error {
	sumsPath := filepath.Join(filepath.Dir(path), ChecksumFile)
	data, err := os.ReadFile(sumsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", sumsPath, err)
	}

	var pinned map[string]string
	if err := yaml.Unmarshal(data, &pinned); err != nil {
		return fmt.Errorf("parse %s: %w", sumsPath, err)
	}
	want, ok := pinned[filepath.Base(path)]
	if !ok {
		return nil
	}
	if want != actual {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", filepath.Base(path), want, actual)
	}
	return nil
}
