package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/loopholelabs/cloudlet/pkg/overlay"
	"github.com/loopholelabs/cloudlet/pkg/packager"
	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	loggingtypes "github.com/loopholelabs/logging/types"
	"github.com/muesli/gotable"
)

var (
	errVerificationFailed = errors.New("reconstructed snapshot differs from the modified snapshot")
)

func createBase(ctx context.Context, manager *snapshot.Manager, imagePath string) error {
	base, err := manager.CreateBase(ctx, imagePath)
	if err != nil {
		return err
	}

	fmt.Printf("Base %s (%s, %s) is created from %s\n", base.Name, base.DiskPath, base.MemoryPath, imagePath)

	return nil
}

func createOverlay(
	ctx context.Context,
	log loggingtypes.Logger,

	manager *snapshot.Manager,
	builder *overlay.Builder,
	merger *overlay.Merger,

	baseDisk, baseMemory string,

	verify bool,
	archivePath string,
) error {
	modified, err := manager.CaptureModified(ctx, baseDisk, baseMemory)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Discard(modified); err != nil {
			log.Warn().Err(err).Msg("Could not discard modified snapshot")
		}
	}()

	vmName := snapshot.VMName(baseDisk)
	base := snapshot.BaseSnapshot{
		Name: vmName,
		Snapshot: snapshot.Snapshot{
			DiskPath:   baseDisk,
			MemoryPath: baseMemory,
		},
	}

	dest := manager.Layout().Overlay(vmName)
	pkg, err := builder.Build(ctx, base, modified, overlay.Package{
		DiskDelta:   dest.DiskPath,
		MemoryDelta: dest.MemoryPath,
	})
	if err != nil {
		return err
	}

	if err := printReport(base.Snapshot, modified, pkg); err != nil {
		return err
	}

	if verify {
		if err := verifyOverlay(ctx, log, merger, manager.Layout(), base, modified, pkg); err != nil {
			return err
		}
	}

	if archivePath != "" {
		manifest, err := packager.ArchiveOverlay(ctx, pkg, base.Name, archivePath, packager.PackagerHooks{
			OnBeforeProcessFile: func(name, path string) {
				log.Info().Str("name", name).Str("path", path).Msg("Archiving")
			},
		})
		if err != nil {
			return err
		}

		log.Info().Str("path", archivePath).Int64("disk", manifest.DiskSize).Int64("memory", manifest.MemorySize).Msg("Archived overlay")
	}

	fmt.Printf("Overlay (%s, %s) is created from %s\n", pkg.DiskDelta, pkg.MemoryDelta, baseDisk)

	return nil
}

// verifyOverlay reconstructs into a scratch directory and compares against modified.
func verifyOverlay(
	ctx context.Context,
	log loggingtypes.Logger,

	merger *overlay.Merger,
	layout snapshot.Layout,

	base snapshot.BaseSnapshot,
	modified snapshot.Snapshot,
	pkg overlay.Package,
) error {
	scratch := snapshot.Layout{WorkDir: filepath.Join(layout.WorkDir, "verify")}
	defer func() {
		if err := os.RemoveAll(scratch.WorkDir); err != nil {
			log.Warn().Err(err).Msg("Could not remove verification directory")
		}
	}()

	recovered, err := merger.Merge(ctx, base, pkg, scratch.Recover(base.Name))
	if err != nil {
		return err
	}

	for _, pair := range [][2]string{
		{recovered.DiskPath, modified.DiskPath},
		{recovered.MemoryPath, modified.MemoryPath},
	} {
		same, err := overlay.Verify(pair[0], pair[1])
		if err != nil {
			return err
		}

		if !same {
			return errors.Join(errVerificationFailed, fmt.Errorf("%s != %s", filepath.Base(pair[0]), filepath.Base(pair[1])))
		}
	}

	log.Info().Msg("Overlay verified, reconstruction is byte-identical")

	return nil
}

func runOverlay(ctx context.Context, merger *overlay.Merger, layout snapshot.Layout, args []string) error {
	base := snapshot.BaseSnapshot{
		Name: snapshot.VMName(args[0]),
		Snapshot: snapshot.Snapshot{
			DiskPath:   args[0],
			MemoryPath: args[1],
		},
	}

	recovered, err := merger.Merge(ctx, base, overlay.Package{
		DiskDelta:   args[2],
		MemoryDelta: args[3],
	}, layout.Recover(base.Name))
	if err != nil {
		return err
	}

	return merger.Resume(ctx, recovered)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func printReport(base, modified snapshot.Snapshot, pkg overlay.Package) error {
	tab := gotable.NewTable([]string{"Component", "Base", "Modified", "Overlay", "Ratio"},
		[]int64{-10, 14, 14, 12, 8}, "No data in table.")

	for _, row := range []struct {
		name                    string
		base, modified, overlay string
	}{
		{"disk", base.DiskPath, modified.DiskPath, pkg.DiskDelta},
		{"memory", base.MemoryPath, modified.MemoryPath, pkg.MemoryDelta},
	} {
		sizes := make([]int64, 3)
		for i, path := range []string{row.base, row.modified, row.overlay} {
			size, err := fileSize(path)
			if err != nil {
				return err
			}

			sizes[i] = size
		}

		ratio := ""
		if sizes[1] > 0 {
			ratio = fmt.Sprintf("%.2f%%", float64(sizes[2])*100/float64(sizes[1]))
		}

		tab.AppendRow([]interface{}{
			row.name,
			humanize.IBytes(uint64(sizes[0])),
			humanize.IBytes(uint64(sizes[1])),
			humanize.IBytes(uint64(sizes[2])),
			ratio,
		})
	}

	tab.Print()

	return nil
}
