package codec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/loopholelabs/cloudlet/pkg/utils"
	loggingtypes "github.com/loopholelabs/logging/types"
	"golang.org/x/sys/unix"
)

const DefaultXDeltaBin = "xdelta3"

var (
	ErrCouldNotRunXDelta = errors.New("could not run xdelta3")
)

// XDelta shells out to an xdelta3 binary. Its exit status is the codec result.
type XDelta struct {
	Bin string
	log loggingtypes.Logger
}

func NewXDelta(log loggingtypes.Logger, bin string) *XDelta {
	if strings.TrimSpace(bin) == "" {
		bin = DefaultXDeltaBin
	}

	return &XDelta{
		Bin: bin,
		log: log,
	}
}

func (x *XDelta) Diff(ctx context.Context, sourcePath, targetPath, outputPath string) error {
	return x.run(ctx, outputPath, "-e", "-f", "-s", sourcePath, targetPath, outputPath)
}

func (x *XDelta) Patch(ctx context.Context, sourcePath, deltaPath, outputPath string) error {
	return x.run(ctx, outputPath, "-d", "-f", "-s", sourcePath, deltaPath, outputPath)
}

// run removes outputPath if xdelta3 fails, so no partial output survives.
func (x *XDelta) run(ctx context.Context, outputPath string, args ...string) error {
	if x.log != nil {
		x.log.Debug().Str("bin", x.Bin).Str("args", strings.Join(args, " ")).Msg("running xdelta3")
	}

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, x.Bin, args...)
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &unix.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Run(); err != nil {
		if x.log != nil {
			x.log.Error().Err(err).Str("stderr", strings.TrimSpace(stderr.String())).Msg("xdelta3 failed")
		}

		errs := errors.Join(ErrCouldNotRunXDelta, common.WrapExitError(x.Bin, err))
		if removeErr := utils.RemoveIfExists(outputPath); removeErr != nil {
			errs = errors.Join(errs, removeErr)
		}

		return errs
	}

	return nil
}
