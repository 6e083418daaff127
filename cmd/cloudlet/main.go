package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/loopholelabs/cloudlet/pkg/config"
	"github.com/loopholelabs/cloudlet/pkg/hypervisor"
	"github.com/loopholelabs/cloudlet/pkg/overlay"
	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
)

const (
	exitUsage = 2
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	opts, err := parseArgs(fs, os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.Usage()

			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		fs.Usage()

		os.Exit(exitUsage)
	}

	log := logging.New(logging.Zerolog, "cloudlet", os.Stderr)
	log.SetLevel(types.InfoLevel)
	if opts.verbose {
		log.SetLevel(types.DebugLevel)
	}

	conf := config.Default()
	if opts.configPath != "" {
		conf, err = config.Load(opts.configPath)
		if err != nil {
			log.Error().Err(err).Msg("Could not load configuration")

			os.Exit(exitUsage)
		}
	}

	if opts.workDir != "" {
		conf.WorkDir = opts.workDir
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt)

		<-done

		log.Info().Msg("Exiting gracefully")

		cancel()
	}()

	deltaCodec, err := conf.Codec.Codec(log)
	if err != nil {
		log.Error().Err(err).Msg("Could not create codec")

		os.Exit(exitUsage)
	}

	hv := hypervisor.NewQEMU(log, conf.Hypervisor.QEMU())
	layout := snapshot.Layout{WorkDir: conf.WorkDir}
	manager := snapshot.NewManager(log, hv, layout, conf.Hypervisor.MemorySize)

	args := opts.args

	switch opts.mode {
	case modeBase:
		err = createBase(ctx, manager, args[0])

	case modeCreate:
		err = createOverlay(ctx, log, manager, overlay.NewBuilder(log, deltaCodec, nil), overlay.NewMerger(log, deltaCodec, hv, conf.Hypervisor.MemorySize, nil), args[0], args[1], opts.verify, opts.archive)

	case modeRun:
		err = runOverlay(ctx, overlay.NewMerger(log, deltaCodec, hv, conf.Hypervisor.MemorySize, nil), layout, args)
	}

	if err != nil {
		log.Error().Err(err).Msg("Operation failed")

		os.Exit(common.ExitCode(err, 1))
	}
}
