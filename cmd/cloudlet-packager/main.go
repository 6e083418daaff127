package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/loopholelabs/cloudlet/pkg/overlay"
	"github.com/loopholelabs/cloudlet/pkg/packager"
	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	"github.com/loopholelabs/goroutine-manager/pkg/manager"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
)

func main() {
	workDir := flag.String("work-dir", "out", "Directory the overlay was created in")
	vmName := flag.String("vm", "", "Name of the base VM the overlay was built against")
	diskDelta := flag.String("disk-delta", "", "Path to disk delta (defaults to the overlay disk in the work directory)")
	memoryDelta := flag.String("memory-delta", "", "Path to memory delta (defaults to the overlay memory in the work directory)")

	packagePath := flag.String("package-path", filepath.Join("out", "overlay.tar.zst"), "Path to package file")

	extract := flag.Bool("extract", false, "Whether to extract or archive")

	flag.Parse()

	log := logging.New(logging.Zerolog, "cloudlet-packager", os.Stderr)
	log.SetLevel(types.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var errs error
	defer func() {
		if errs != nil {
			panic(errs)
		}
	}()

	goroutineManager := manager.NewGoroutineManager(
		ctx,
		&errs,
		manager.GoroutineManagerHooks{},
	)
	defer goroutineManager.Wait()
	defer goroutineManager.StopAllGoroutines()
	defer goroutineManager.CreateBackgroundPanicCollector()()

	go func() {
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt)

		<-done

		log.Info().Msg("Exiting gracefully")

		cancel()
	}()

	deltas := snapshot.Layout{WorkDir: *workDir}.Overlay(*vmName)
	if *diskDelta != "" {
		deltas.DiskPath = *diskDelta
	}

	if *memoryDelta != "" {
		deltas.MemoryPath = *memoryDelta
	}

	pkg := overlay.Package{
		DiskDelta:   deltas.DiskPath,
		MemoryDelta: deltas.MemoryPath,
	}

	if *extract {
		manifest, err := packager.ExtractOverlay(
			goroutineManager.Context(),

			*packagePath,
			pkg,

			packager.PackagerHooks{
				OnBeforeProcessFile: func(name, path string) {
					log.Info().Str("name", name).Str("path", path).Msg("Extracting delta")
				},
			},
		)
		if err != nil {
			panic(err)
		}

		log.Info().
			Str("base", manifest.BaseName).
			Int64("disk-size", manifest.DiskSize).
			Int64("memory-size", manifest.MemorySize).
			Msg("Extracted overlay")

		return
	}

	manifest, err := packager.ArchiveOverlay(
		goroutineManager.Context(),

		pkg,
		*vmName,
		*packagePath,

		packager.PackagerHooks{
			OnBeforeProcessFile: func(name, path string) {
				log.Info().Str("name", name).Str("path", path).Msg("Archiving delta")
			},
		},
	)
	if err != nil {
		panic(err)
	}

	log.Info().
		Str("base", manifest.BaseName).
		Int64("disk-size", manifest.DiskSize).
		Int64("memory-size", manifest.MemorySize).
		Str("package", *packagePath).
		Msg("Archived overlay")
}
