package measure

import (
	"context"
	"errors"
	"io"
	"os/exec"

	"golang.org/x/sys/unix"
)

var (
	ErrEmptyCommand           = errors.New("empty sampler command")
	ErrCouldNotStartSampler   = errors.New("could not start sampler")
	ErrCouldNotAttachToStdout = errors.New("could not attach to sampler stdout")
)

type commandSource struct {
	io.ReadCloser

	cmd *exec.Cmd
}

func (c *commandSource) Close() error {
	_ = c.ReadCloser.Close()

	// The sampler is killed through its context, so its exit status carries no information
	_ = c.cmd.Wait()

	return nil
}

// CommandSource runs an external sampler, e.g. ssh host wattsup /dev/ttyUSB0, and
// returns its standard output. The sampler is killed when ctx is cancelled.
func CommandSource(ctx context.Context, command []string) (io.ReadCloser, error) {
	if len(command) == 0 {
		return nil, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.SysProcAttr = &unix.SysProcAttr{
		Setpgid: true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Join(ErrCouldNotAttachToStdout, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Join(ErrCouldNotStartSampler, err)
	}

	return &commandSource{
		ReadCloser: stdout,
		cmd:        cmd,
	}, nil
}
