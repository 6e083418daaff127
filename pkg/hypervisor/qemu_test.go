package hypervisor

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	bin := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+body+"\n"), 0755))

	return bin
}

func TestQEMUArgs(t *testing.T) {
	q := NewQEMU(nil, &QEMUConfiguration{
		MemorySize: 1024,
		ExtraArgs:  []string{"-enable-kvm"},
	})

	args := q.Args(RunConfiguration{
		Disk:     "/vms/ubuntu_tmp.qcow2",
		Incoming: "/vms/ubuntu's_base.mem",
	}, "/tmp/monitor.sock")

	assert.Equal(t, []string{
		"-hda", "/vms/ubuntu_tmp.qcow2",
		"-m", "1024",
		"-monitor", "unix:/tmp/monitor.sock,server,nowait",
		"-enable-kvm",
		"-incoming", `exec:cat '/vms/ubuntu'\''s_base.mem'`,
	}, args)

	args = q.Args(RunConfiguration{Disk: "disk", MemorySize: 256}, "m.sock")
	assert.Equal(t, []string{"-hda", "disk", "-m", "256", "-monitor", "unix:m.sock,server,nowait", "-enable-kvm"}, args)
}

func TestQEMUDefaults(t *testing.T) {
	q := NewQEMU(nil, &QEMUConfiguration{})

	assert.Equal(t, DefaultKVMBin, q.Conf.KVMBin)
	assert.Equal(t, DefaultImgBin, q.Conf.ImgBin)
	assert.Equal(t, DefaultMemorySize, q.Conf.MemorySize)
	assert.Equal(t, DefaultExtraArgs, q.Conf.ExtraArgs)
}

func TestQEMUDeriveImage(t *testing.T) {
	dir := t.TempDir()
	argsPath := filepath.Join(dir, "args")

	q := NewQEMU(nil, &QEMUConfiguration{
		ImgBin:        writeScript(t, dir, "qemu-img", `echo "$@" > `+argsPath),
		BackingFormat: "raw",
	})

	require.NoError(t, q.DeriveImage(context.Background(), "ubuntu.img", filepath.Join("out", "ubuntu_base.qcow2")))

	// Relative backing files would be resolved against out/
	cwd, err := os.Getwd()
	require.NoError(t, err)

	data, err := os.ReadFile(argsPath)
	require.NoError(t, err)
	assert.Equal(t, "create -f qcow2 -b "+filepath.Join(cwd, "ubuntu.img")+" -F raw out/ubuntu_base.qcow2", strings.TrimSpace(string(data)))
}

func TestQEMUDeriveImageProbesFormat(t *testing.T) {
	dir := t.TempDir()
	argsPath := filepath.Join(dir, "args")
	backing := filepath.Join(dir, "ubuntu.qcow2")

	q := NewQEMU(nil, &QEMUConfiguration{
		ImgBin: writeScript(t, dir, "qemu-img", `if [ "$1" = info ]; then echo '{"filename": "x", "format": "qcow2"}'; else echo "$@" > `+argsPath+`; fi`),
	})

	require.NoError(t, q.DeriveImage(context.Background(), backing, filepath.Join(dir, "ubuntu_base.qcow2")))

	data, err := os.ReadFile(argsPath)
	require.NoError(t, err)
	assert.Equal(t, "create -f qcow2 -b "+backing+" -F qcow2 "+filepath.Join(dir, "ubuntu_base.qcow2"), strings.TrimSpace(string(data)))
}

func TestQEMUDeriveImageProbeFailure(t *testing.T) {
	dir := t.TempDir()
	argsPath := filepath.Join(dir, "args")
	backing := filepath.Join(dir, "ubuntu.img")

	q := NewQEMU(nil, &QEMUConfiguration{
		ImgBin: writeScript(t, dir, "qemu-img", `if [ "$1" = info ]; then exit 1; fi; echo "$@" > `+argsPath),
	})

	require.NoError(t, q.DeriveImage(context.Background(), backing, "ubuntu_base.qcow2"))

	data, err := os.ReadFile(argsPath)
	require.NoError(t, err)
	assert.Equal(t, "create -f qcow2 -b "+backing+" ubuntu_base.qcow2", strings.TrimSpace(string(data)))
}

func TestQEMUDeriveImageFailure(t *testing.T) {
	dir := t.TempDir()

	q := NewQEMU(nil, &QEMUConfiguration{
		ImgBin: writeScript(t, dir, "qemu-img", "exit 4"),
	})

	err := q.DeriveImage(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrCouldNotDeriveImage)
	assert.Equal(t, 4, common.ExitCode(err, 1))
}

func TestQEMURun(t *testing.T) {
	dir := t.TempDir()

	q := NewQEMU(nil, &QEMUConfiguration{
		KVMBin:     writeScript(t, dir, "kvm", "exit 0"),
		MonitorDir: dir,
	})

	assert.NoError(t, q.Run(context.Background(), RunConfiguration{Disk: "disk"}))
}

func TestQEMURunExitCode(t *testing.T) {
	dir := t.TempDir()

	q := NewQEMU(nil, &QEMUConfiguration{
		KVMBin:     writeScript(t, dir, "kvm", "exit 7"),
		MonitorDir: dir,
	})

	err := q.Run(context.Background(), RunConfiguration{Disk: "disk"})
	assert.ErrorIs(t, err, ErrHypervisorExited)
	assert.Equal(t, 7, common.ExitCode(err, 1))
}

func TestQEMURunTimeout(t *testing.T) {
	dir := t.TempDir()

	q := NewQEMU(nil, &QEMUConfiguration{
		KVMBin:     writeScript(t, dir, "kvm", "exec sleep 10"),
		MonitorDir: dir,
		RunTimeout: 100 * time.Millisecond,
	})

	start := time.Now()
	err := q.Run(context.Background(), RunConfiguration{Disk: "disk"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// fakeMonitor speaks enough HMP to accept a snapshot sequence and records the commands it got.
func fakeMonitor(t *testing.T, path string) <-chan []string {
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
	})

	commands := make(chan []string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		_, _ = conn.Write([]byte("QEMU 8.2.0 monitor - type 'help' for more information\r\n(qemu) "))

		var got []string
		s := bufio.NewScanner(conn)
		for s.Scan() {
			line := s.Text()
			got = append(got, line)
			if line == "quit" {
				break
			}
			_, _ = conn.Write([]byte(line + "\r\n(qemu) "))
		}

		commands <- got
	}()

	return commands
}

func TestEmitSnapshot(t *testing.T) {
	dir := t.TempDir()
	monitorPath := filepath.Join(dir, "monitor.sock")

	commands := fakeMonitor(t, monitorPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, EmitSnapshot(ctx, monitorPath, "/vms/ubuntu_base.mem"))

	select {
	case got := <-commands:
		assert.Equal(t, []string{
			"stop",
			`migrate "exec:cat > '/vms/ubuntu_base.mem'"`,
			"quit",
		}, got)

	case <-ctx.Done():
		t.Fatal("monitor did not receive commands")
	}
}

func TestEmitSnapshotNoSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := EmitSnapshot(ctx, filepath.Join(t.TempDir(), "missing.sock"), "out.mem")
	assert.ErrorIs(t, err, ErrNoMonitorSocket)
}

func TestCommandError(t *testing.T) {
	assert.Equal(t, "", commandError("stop", []byte("stop\r\n")))
	assert.Equal(t, "", commandError(`migrate "exec:cat > /error/x.mem"`, []byte("migrate \"exec:cat > /error/x.mem\"\r\n")))
	assert.Equal(t, "Error: migration failed", commandError("migrate x", []byte("migrate x\r\nError: migration failed\r\n")))
}
