// Package hypervisor runs VM disk images, optionally resuming from and emitting memory snapshots.
package hypervisor

import (
	"context"
)

type RunConfiguration struct {
	// Disk is the image to boot.
	Disk string
	// Incoming is a memory snapshot to resume from. Empty means a cold boot.
	Incoming string
	// SnapshotPath is where the memory snapshot is left on exit. Empty means none is emitted.
	SnapshotPath string
	// MemorySize in MB. Zero uses the hypervisor default.
	MemorySize int
}

type Hypervisor interface {
	// DeriveImage creates a copy-on-write image at outputPath backed by backingPath.
	DeriveImage(ctx context.Context, backingPath, outputPath string) error
	// Run blocks until the VM process exits.
	Run(ctx context.Context, conf RunConfiguration) error
}
