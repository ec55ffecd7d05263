// Package fsutil contains helpers for job directories.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// OwnerConfig holds parsed UID/GID for file ownership.
type OwnerConfig struct {
	UID int
	GID int
}

// ParseOwner parses "UID:GID" string. Returns nil if empty.
func ParseOwner(owner string) (*OwnerConfig, error) {
	if owner == "" {
		return nil, nil
	}

	parts := strings.Split(owner, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid UID %q: %w", parts[0], err)
	}

	gid, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid GID %q: %w", parts[1], err)
	}

	return &OwnerConfig{UID: uid, GID: gid}, nil
}

// Chown sets ownership if owner is not nil. Best-effort, ignores errors.
func Chown(path string, owner *OwnerConfig) {
	if owner == nil {
		return
	}

	_ = os.Chown(path, owner.UID, owner.GID)
}

// MkdirJob creates a job directory and its parents. An existing directory is
// not an error, existed reports it so callers can warn about a retried job.
func MkdirJob(path string, owner *OwnerConfig) (existed bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}

	err = os.Mkdir(path, 0o755)

	switch {
	case err == nil:
	case errors.Is(err, fs.ErrExist):
		info, statErr := os.Stat(path)
		if statErr != nil {
			return false, statErr
		}

		if !info.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", path)
		}

		existed = true
	default:
		return false, err
	}

	Chown(path, owner)

	return existed, nil
}
