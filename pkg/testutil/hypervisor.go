package testutil

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"sync"

	"github.com/loopholelabs/cloudlet/pkg/hypervisor"
	"github.com/loopholelabs/cloudlet/pkg/utils"
)

var (
	ErrFakeHypervisor = errors.New("fake hypervisor failure")
	ErrFakeCodec      = errors.New("fake codec failure")
)

// FakeHypervisor stands in for QEMU. DeriveImage makes a flat copy; Run dirties the
// disk and the resumed memory at fixed offsets and writes the memory snapshot.
type FakeHypervisor struct {
	lock sync.Mutex
	runs []hypervisor.RunConfiguration

	// SkipSnapshot exits without leaving a memory snapshot behind.
	SkipSnapshot bool
	// PartialSnapshot leaves an empty memory snapshot behind.
	PartialSnapshot bool
	// Fail makes Run return ErrFakeHypervisor after doing its work.
	Fail bool

	DirtyOffset int64
	DirtyLength int

	// ColdMemorySize is the size of the memory snapshot emitted on a cold boot.
	ColdMemorySize int
}

func NewFakeHypervisor() *FakeHypervisor {
	return &FakeHypervisor{
		DirtyOffset:    8192,
		DirtyLength:    4096,
		ColdMemorySize: 1024 * 1024,
	}
}

func (f *FakeHypervisor) DeriveImage(ctx context.Context, backingPath, outputPath string) error {
	_, err := utils.CopyFile(backingPath, outputPath)

	return err
}

func (f *FakeHypervisor) Run(ctx context.Context, conf hypervisor.RunConfiguration) error {
	f.lock.Lock()
	f.runs = append(f.runs, conf)
	f.lock.Unlock()

	if conf.Incoming != "" {
		if err := dirty(conf.Disk, f.DirtyOffset, f.DirtyLength); err != nil {
			return err
		}
	}

	if conf.SnapshotPath != "" && !f.SkipSnapshot {
		if err := f.writeSnapshot(conf); err != nil {
			return err
		}
	}

	if f.Fail {
		return ErrFakeHypervisor
	}

	return nil
}

func (f *FakeHypervisor) Runs() []hypervisor.RunConfiguration {
	f.lock.Lock()
	defer f.lock.Unlock()

	return append([]hypervisor.RunConfiguration{}, f.runs...)
}

func (f *FakeHypervisor) writeSnapshot(conf hypervisor.RunConfiguration) error {
	if f.PartialSnapshot {
		return os.WriteFile(conf.SnapshotPath, nil, 0644)
	}

	if conf.Incoming == "" {
		return WriteRandomFile(conf.SnapshotPath, f.ColdMemorySize)
	}

	if _, err := utils.CopyFile(conf.Incoming, conf.SnapshotPath); err != nil {
		return err
	}

	return dirty(conf.SnapshotPath, f.DirtyOffset, f.DirtyLength)
}

func dirty(path string, offset int64, length int) error {
	if length <= 0 {
		return nil
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteAt(buf, offset)

	return err
}
