package snapshot

import (
	"context"
	"errors"
	"os"

	"github.com/loopholelabs/cloudlet/pkg/hypervisor"
	"github.com/loopholelabs/cloudlet/pkg/utils"
	loggingtypes "github.com/loopholelabs/logging/types"
)

var (
	ErrCouldNotCreateWorkDir   = errors.New("could not create work directory")
	ErrCouldNotDeriveImage     = errors.New("could not derive base image")
	ErrCouldNotCopyDisk        = errors.New("could not copy base disk")
	ErrCouldNotRemoveStaleFile = errors.New("could not remove stale file")
	ErrHypervisorFailed        = errors.New("hypervisor failed")
	ErrCouldNotDiscard         = errors.New("could not discard snapshot")
)

// Manager runs the hypervisor to produce base and modified snapshots. It owns the
// temporary files it creates until they are returned to the caller.
type Manager struct {
	hypervisor hypervisor.Hypervisor
	layout     Layout
	memorySize int
	log        loggingtypes.Logger
}

func NewManager(log loggingtypes.Logger, hv hypervisor.Hypervisor, layout Layout, memorySize int) *Manager {
	return &Manager{
		hypervisor: hv,
		layout:     layout,
		memorySize: memorySize,
		log:        log,
	}
}

func (m *Manager) Layout() Layout {
	return m.layout
}

// CreateBase derives a copy-on-write base image from sourceImagePath and boots it.
// The hypervisor must leave <vm>_base.mem behind; on success the pair is durable.
func (m *Manager) CreateBase(ctx context.Context, sourceImagePath string) (BaseSnapshot, error) {
	if err := RequireFile(sourceImagePath); err != nil {
		return BaseSnapshot{}, err
	}

	if err := os.MkdirAll(m.layout.WorkDir, os.ModePerm); err != nil {
		return BaseSnapshot{}, errors.Join(ErrCouldNotCreateWorkDir, err)
	}

	base := m.layout.Base(VMName(sourceImagePath))

	// A leftover memory file must not pass for a fresh snapshot
	if err := utils.RemoveIfExists(base.MemoryPath); err != nil {
		return BaseSnapshot{}, errors.Join(ErrCouldNotRemoveStaleFile, err)
	}

	if err := m.hypervisor.DeriveImage(ctx, sourceImagePath, base.DiskPath); err != nil {
		return BaseSnapshot{}, errors.Join(ErrCouldNotDeriveImage, err)
	}

	if m.log != nil {
		m.log.Info().Str("disk", base.DiskPath).Str("memory", base.MemoryPath).Msg("running base image to generate memory snapshot")
	}

	if err := m.hypervisor.Run(ctx, hypervisor.RunConfiguration{
		Disk:         base.DiskPath,
		SnapshotPath: base.MemoryPath,
		MemorySize:   m.memorySize,
	}); err != nil {
		m.remove(base.MemoryPath)

		return BaseSnapshot{}, errors.Join(ErrHypervisorFailed, err)
	}

	if err := RequireFile(base.MemoryPath); err != nil {
		m.remove(base.MemoryPath)

		return BaseSnapshot{}, errors.Join(ErrSnapshotMissing, err)
	}

	if m.log != nil {
		m.log.Info().Str("name", base.Name).Str("disk", base.DiskPath).Str("memory", base.MemoryPath).Msg("base snapshot created")
	}

	return base, nil
}

// CaptureModified resumes the base memory snapshot against a copy of the base disk and
// returns the resulting temporary snapshot. On failure no temporary file is left behind.
func (m *Manager) CaptureModified(ctx context.Context, baseDiskPath, baseMemoryPath string) (Snapshot, error) {
	if err := RequireFile(baseDiskPath); err != nil {
		return Snapshot{}, err
	}

	if err := RequireFile(baseMemoryPath); err != nil {
		return Snapshot{}, err
	}

	if err := os.MkdirAll(m.layout.WorkDir, os.ModePerm); err != nil {
		return Snapshot{}, errors.Join(ErrCouldNotCreateWorkDir, err)
	}

	tmp := m.layout.Tmp(VMName(baseDiskPath))

	if err := utils.RemoveIfExists(tmp.MemoryPath); err != nil {
		return Snapshot{}, errors.Join(ErrCouldNotRemoveStaleFile, err)
	}

	if _, err := utils.CopyFile(baseDiskPath, tmp.DiskPath); err != nil {
		m.remove(tmp.DiskPath, tmp.MemoryPath)

		return Snapshot{}, errors.Join(ErrCouldNotCopyDisk, err)
	}

	if m.log != nil {
		m.log.Info().Str("disk", tmp.DiskPath).Str("incoming", baseMemoryPath).Msg("resuming base to capture modified snapshot")
	}

	if err := m.hypervisor.Run(ctx, hypervisor.RunConfiguration{
		Disk:         tmp.DiskPath,
		Incoming:     baseMemoryPath,
		SnapshotPath: tmp.MemoryPath,
		MemorySize:   m.memorySize,
	}); err != nil {
		m.remove(tmp.DiskPath, tmp.MemoryPath)

		return Snapshot{}, errors.Join(ErrHypervisorFailed, err)
	}

	if err := RequireFile(tmp.MemoryPath); err != nil {
		m.remove(tmp.DiskPath, tmp.MemoryPath)

		return Snapshot{}, errors.Join(ErrSnapshotMissing, err)
	}

	return tmp, nil
}

// Discard removes a temporary snapshot once its consumer is done with it.
func (m *Manager) Discard(s Snapshot) error {
	var errs error
	for _, path := range []string{s.DiskPath, s.MemoryPath} {
		if err := utils.RemoveIfExists(path); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	if errs != nil {
		return errors.Join(ErrCouldNotDiscard, errs)
	}

	return nil
}

func (m *Manager) remove(paths ...string) {
	for _, path := range paths {
		if err := utils.RemoveIfExists(path); err != nil && m.log != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("could not remove partial file")
		}
	}
}
