package hypervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/loopholelabs/goroutine-manager/pkg/manager"
	loggingtypes "github.com/loopholelabs/logging/types"
	"golang.org/x/sys/unix"
)

const (
	DefaultKVMBin     = "kvm"
	DefaultImgBin     = "qemu-img"
	DefaultMemorySize = 512
)

var (
	DefaultExtraArgs = []string{
		"-enable-kvm",
		"-net", "nic",
		"-net", "user,hostfwd=tcp::2222-:22",
		"-serial", "none",
		"-parallel", "none",
		"-usb",
		"-device", "usb-tablet",
	}
)

var (
	ErrCouldNotDeriveImage      = errors.New("could not derive image")
	ErrCouldNotProbeFormat      = errors.New("could not probe image format")
	ErrCouldNotCreateMonitorDir = errors.New("could not create monitor directory")
	ErrCouldNotStartHypervisor  = errors.New("could not start hypervisor")
	ErrHypervisorExited         = errors.New("hypervisor exited with an error")
	ErrCouldNotEmitSnapshot     = errors.New("could not emit memory snapshot")
	ErrTimeout                  = errors.New("hypervisor timed out")
)

type QEMUConfiguration struct {
	KVMBin string
	ImgBin string

	// BackingFormat is passed to qemu-img as -F. Probed from the backing image when empty.
	BackingFormat string

	MemorySize int
	ExtraArgs  []string

	// MonitorDir holds the HMP monitor sockets. Defaults to os.TempDir().
	MonitorDir string

	// SnapshotAfter is how long a VM runs before its memory is captured through the monitor.
	// Zero leaves the capture to whoever drives the monitor.
	SnapshotAfter time.Duration
	// RunTimeout kills the VM after this long. Zero disables it.
	RunTimeout time.Duration

	EnableOutput bool
	EnableInput  bool
}

type QEMU struct {
	Conf *QEMUConfiguration
	log  loggingtypes.Logger
}

func NewQEMU(log loggingtypes.Logger, conf *QEMUConfiguration) *QEMU {
	if conf.KVMBin == "" {
		conf.KVMBin = DefaultKVMBin
	}
	if conf.ImgBin == "" {
		conf.ImgBin = DefaultImgBin
	}
	if conf.MemorySize <= 0 {
		conf.MemorySize = DefaultMemorySize
	}
	if conf.ExtraArgs == nil {
		conf.ExtraArgs = DefaultExtraArgs
	}
	if conf.MonitorDir == "" {
		conf.MonitorDir = os.TempDir()
	}

	return &QEMU{
		Conf: conf,
		log:  log,
	}
}

// DeriveImage creates a copy-on-write image at outputPath backed by backingPath. The
// backing path is made absolute because qemu-img resolves relative backing files
// against the new image's directory. Without a configured BackingFormat the format
// is probed with qemu-img info.
func (q *QEMU) DeriveImage(ctx context.Context, backingPath, outputPath string) error {
	backingPath, err := filepath.Abs(backingPath)
	if err != nil {
		return errors.Join(ErrCouldNotDeriveImage, err)
	}

	backingFormat := q.Conf.BackingFormat
	if backingFormat == "" {
		backingFormat, err = q.probeFormat(ctx, backingPath)
		if err != nil && q.log != nil {
			q.log.Warn().Err(err).Str("backing", backingPath).Msg("could not probe backing format, leaving it to qemu-img")
		}
	}

	args := []string{"create", "-f", "qcow2", "-b", backingPath}
	if backingFormat != "" {
		args = append(args, "-F", backingFormat)
	}
	args = append(args, outputPath)

	if q.log != nil {
		q.log.Info().Str("backing", backingPath).Str("format", backingFormat).Str("image", outputPath).Msg("deriving copy-on-write image")
	}

	out, err := exec.CommandContext(ctx, q.Conf.ImgBin, args...).CombinedOutput()
	if err != nil {
		if q.log != nil {
			q.log.Error().Err(err).Str("output", strings.TrimSpace(string(out))).Msg("qemu-img failed")
		}

		return errors.Join(ErrCouldNotDeriveImage, common.WrapExitError(q.Conf.ImgBin, err))
	}

	return nil
}

func (q *QEMU) probeFormat(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, q.Conf.ImgBin, "info", "--output=json", path).Output()
	if err != nil {
		return "", errors.Join(ErrCouldNotProbeFormat, common.WrapExitError(q.Conf.ImgBin, err))
	}

	var info struct {
		Format string `json:"format"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return "", errors.Join(ErrCouldNotProbeFormat, err)
	}

	return info.Format, nil
}

// Args returns the hypervisor command line for conf, with its monitor listening on monitorPath.
func (q *QEMU) Args(conf RunConfiguration, monitorPath string) []string {
	memorySize := conf.MemorySize
	if memorySize <= 0 {
		memorySize = q.Conf.MemorySize
	}

	args := []string{
		"-hda", conf.Disk,
		"-m", strconv.Itoa(memorySize),
		"-monitor", "unix:" + monitorPath + ",server,nowait",
	}
	args = append(args, q.Conf.ExtraArgs...)

	if conf.Incoming != "" {
		args = append(args, "-incoming", "exec:cat "+shellQuote(conf.Incoming))
	}

	return args
}

func (q *QEMU) Run(ctx context.Context, conf RunConfiguration) (errs error) {
	if q.Conf.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Conf.RunTimeout)
		defer cancel()
	}

	goroutineManager := manager.NewGoroutineManager(
		ctx,
		&errs,
		manager.GoroutineManagerHooks{},
	)
	defer goroutineManager.Wait()
	defer goroutineManager.StopAllGoroutines()
	defer goroutineManager.CreateBackgroundPanicCollector()()

	if err := os.MkdirAll(q.Conf.MonitorDir, os.ModePerm); err != nil {
		panic(errors.Join(ErrCouldNotCreateMonitorDir, err))
	}

	monitorPath := filepath.Join(q.Conf.MonitorDir, "cloudlet-"+shortuuid.New()+".sock")
	defer os.Remove(monitorPath)

	cmd := exec.CommandContext(goroutineManager.Context(), q.Conf.KVMBin, q.Args(conf, monitorPath)...)

	if q.Conf.EnableOutput {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if q.Conf.EnableInput {
		cmd.Stdin = os.Stdin
	} else {
		// Don't forward CTRL-C etc. signals from parent to child process
		cmd.SysProcAttr = &unix.SysProcAttr{
			Setpgid: true,
			Pgid:    0,
		}
	}

	if q.log != nil {
		q.log.Info().
			Str("disk", conf.Disk).
			Str("incoming", conf.Incoming).
			Str("snapshot", conf.SnapshotPath).
			Msg("starting hypervisor")
	}

	if err := cmd.Start(); err != nil {
		panic(errors.Join(ErrCouldNotStartHypervisor, err))
	}

	if q.log != nil {
		q.log.Debug().Int("pid", cmd.Process.Pid).Str("monitor", monitorPath).Msg("hypervisor started")
	}

	if conf.SnapshotPath != "" && q.Conf.SnapshotAfter > 0 {
		goroutineManager.StartForegroundGoroutine(func(ctx context.Context) {
			select {
			case <-ctx.Done():
				return

			case <-time.After(q.Conf.SnapshotAfter):
			}

			if err := EmitSnapshot(ctx, monitorPath, conf.SnapshotPath); err != nil {
				panic(errors.Join(ErrCouldNotEmitSnapshot, err))
			}
		})
	}

	if err := cmd.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			panic(errors.Join(ErrTimeout, err))
		}

		panic(errors.Join(ErrHypervisorExited, common.WrapExitError(q.Conf.KVMBin, err)))
	}

	if q.log != nil {
		q.log.Info().Str("disk", conf.Disk).Msg("hypervisor exited")
	}

	return
}

// shellQuote quotes s for the /bin/sh that runs QEMU exec: migration URIs.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
