package main

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/loopholelabs/cloudlet/pkg/measure"
	loggingtypes "github.com/loopholelabs/logging/types"
	"golang.org/x/sys/unix"
)

// startPower starts sampling the power meter and returns a function that stops the
// sampler and returns its result. Without a sampler command the result is empty.
func startPower(ctx context.Context, log loggingtypes.Logger, command []string, logPath string) func() measure.Result {
	if len(command) == 0 {
		return func() measure.Result {
			return measure.Result{}
		}
	}

	measureCtx, cancel := context.WithCancel(ctx)

	fail := func(err error) func() measure.Result {
		cancel()
		log.Warn().Err(err).Msg("Could not start power measurement")

		return func() measure.Result {
			return measure.Result{Err: err}
		}
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return fail(err)
	}

	source, err := measure.CommandSource(measureCtx, command)
	if err != nil {
		_ = logFile.Close()

		return fail(err)
	}

	results := measure.Measure(measureCtx, log, source, logFile)

	return func() measure.Result {
		cancel()

		res := <-results

		_ = source.Close()

		if err := os.WriteFile(logPath+".sum", []byte(res.String()), 0644); err != nil {
			log.Warn().Err(err).Msg("Could not write power summary")
		}

		if err := logFile.Close(); err != nil {
			log.Warn().Err(err).Msg("Could not close power log")
		}

		if res.Err != nil {
			log.Warn().Err(res.Err).Str("log", logPath).Msg("Power measurement incomplete")
		} else {
			log.Info().Str("log", logPath).Str("result", res.String()).Msg("Average power")
		}

		return res
	}
}

func runClient(ctx context.Context, log loggingtypes.Logger, command []string, outputPath string) error {
	output, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer output.Close()

	log.Info().Str("command", strings.Join(command, " ")).Str("output", outputPath).Msg("Running application client")

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdout = io.MultiWriter(output, os.Stdout)
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Run(); err != nil {
		return common.WrapExitError(command[0], err)
	}

	return nil
}

func summarizeLatency(outputPath string) (measure.LatencySummary, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		return measure.LatencySummary{}, err
	}
	defer f.Close()

	return measure.ParseLatencyLog(f)
}
