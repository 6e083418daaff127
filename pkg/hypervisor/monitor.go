package hypervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

const (
	monitorPrompt = "(qemu) "
)

var (
	ErrNoMonitorSocket            = errors.New("no monitor socket created")
	ErrCouldNotDialMonitor        = errors.New("could not dial monitor")
	ErrCouldNotSendMonitorCommand = errors.New("could not send monitor command")
	ErrMonitorCommandFailed       = errors.New("monitor command failed")
)

// EmitSnapshot drives a QEMU HMP monitor to pause the VM, migrate its memory into
// snapshotPath and quit. The hypervisor process exits once this returns successfully.
func EmitSnapshot(ctx context.Context, monitorPath, snapshotPath string) error {
	conn, err := dialMonitor(ctx, monitorPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	r := bufio.NewReader(conn)

	// Banner
	if _, err := readUntilPrompt(r); err != nil {
		return errors.Join(ErrCouldNotSendMonitorCommand, err)
	}

	for _, command := range []string{
		"stop",
		`migrate "exec:cat > ` + shellQuote(snapshotPath) + `"`,
	} {
		out, err := runMonitorCommand(conn, r, command)
		if err != nil {
			return errors.Join(ErrCouldNotSendMonitorCommand, err)
		}

		if msg := commandError(command, out); msg != "" {
			return errors.Join(ErrMonitorCommandFailed, errors.New(msg))
		}
	}

	// QEMU closes the monitor while handling quit
	if _, err := runMonitorCommand(conn, r, "quit"); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(ErrCouldNotSendMonitorCommand, err)
	}

	return nil
}

func dialMonitor(ctx context.Context, monitorPath string) (net.Conn, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for {
		select {
		case <-waitCtx.Done():
			return nil, errors.Join(ErrNoMonitorSocket, waitCtx.Err())

		case <-ticker.C:
			if _, err := os.Stat(monitorPath); err != nil {
				continue
			}

			conn, err := (&net.Dialer{}).DialContext(waitCtx, "unix", monitorPath)
			if err != nil {
				continue
			}

			return conn, nil
		}
	}
}

func runMonitorCommand(w io.Writer, r *bufio.Reader, command string) ([]byte, error) {
	if _, err := io.WriteString(w, command+"\n"); err != nil {
		return nil, err
	}

	return readUntilPrompt(r)
}

// commandError returns the first output line reporting an error, skipping the monitor's echo of command.
func commandError(command string, out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == command {
			continue
		}

		if strings.Contains(strings.ToLower(line), "error") {
			return line
		}
	}

	return ""
}

func readUntilPrompt(r *bufio.Reader) ([]byte, error) {
	var out []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return out, err
		}

		out = append(out, b)
		if bytes.HasSuffix(out, []byte(monitorPrompt)) {
			return out[:len(out)-len(monitorPrompt)], nil
		}
	}
}
