// Package snapshot produces and names VM disk+memory snapshot pairs.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound        = errors.New("file not found")
	ErrEmptyFile       = errors.New("file is empty")
	ErrSnapshotMissing = errors.New("memory snapshot missing after hypervisor exit")
)

const (
	baseSuffix    = "_base"
	overlaySuffix = "_overlay"
	tmpSuffix     = "_tmp"
	recoverSuffix = "_recover"

	DiskExtension   = ".qcow2"
	MemoryExtension = ".mem"
)

type Snapshot struct {
	DiskPath   string `json:"disk"`
	MemoryPath string `json:"memory"`
}

// Validate checks that both halves of the snapshot exist and are not empty.
func (s Snapshot) Validate() error {
	if err := RequireFile(s.DiskPath); err != nil {
		return err
	}

	return RequireFile(s.MemoryPath)
}

// BaseSnapshot is the reference every overlay is computed against. It is never deleted.
type BaseSnapshot struct {
	Name string `json:"name"`
	Snapshot
}

// RequireFile fails with ErrNotFound if path is absent and ErrEmptyFile if it has no content.
func RequireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Join(ErrNotFound, fmt.Errorf("%s: %w", path, err))
		}

		return err
	}

	if info.IsDir() {
		return errors.Join(ErrNotFound, fmt.Errorf("%s is a directory", path))
	}

	if info.Size() == 0 {
		return errors.Join(ErrEmptyFile, fmt.Errorf("%s", path))
	}

	return nil
}

// VMName derives the VM name from an image path: the base filename up to the first
// dot, without a trailing "_base" so base images map back to their VM.
func VMName(path string) string {
	name := filepath.Base(path)
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}

	return strings.TrimSuffix(name, baseSuffix)
}

// Layout names every artifact of a VM inside a single working directory.
type Layout struct {
	WorkDir string
}

func (l Layout) pair(vmName, suffix string) Snapshot {
	prefix := filepath.Join(l.WorkDir, vmName+suffix)

	return Snapshot{
		DiskPath:   prefix + DiskExtension,
		MemoryPath: prefix + MemoryExtension,
	}
}

func (l Layout) Base(vmName string) BaseSnapshot {
	return BaseSnapshot{
		Name:     vmName,
		Snapshot: l.pair(vmName, baseSuffix),
	}
}

// Overlay returns the disk and memory delta paths as a pair.
func (l Layout) Overlay(vmName string) Snapshot {
	return l.pair(vmName, overlaySuffix)
}

func (l Layout) Tmp(vmName string) Snapshot {
	return l.pair(vmName, tmpSuffix)
}

func (l Layout) Recover(vmName string) Snapshot {
	return l.pair(vmName, recoverSuffix)
}
