package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVMName(t *testing.T) {
	for _, tc := range []struct {
		path string
		name string
	}{
		{"/images/ubuntu.qcow2", "ubuntu"},
		{"/images/ubuntu_base.qcow2", "ubuntu"},
		{"ubuntu_base.mem", "ubuntu"},
		{"/images/ubuntu.raw.qcow2", "ubuntu"},
		{"/images/noext", "noext"},
		{"/images/_base_base.qcow2", "_base"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.name, VMName(tc.path))
		})
	}
}

func TestLayout(t *testing.T) {
	l := Layout{WorkDir: "/work"}

	base := l.Base("vm")
	assert.Equal(t, "vm", base.Name)
	assert.Equal(t, "/work/vm_base.qcow2", base.DiskPath)
	assert.Equal(t, "/work/vm_base.mem", base.MemoryPath)

	assert.Equal(t, Snapshot{DiskPath: "/work/vm_overlay.qcow2", MemoryPath: "/work/vm_overlay.mem"}, l.Overlay("vm"))
	assert.Equal(t, Snapshot{DiskPath: "/work/vm_tmp.qcow2", MemoryPath: "/work/vm_tmp.mem"}, l.Tmp("vm"))
	assert.Equal(t, Snapshot{DiskPath: "/work/vm_recover.qcow2", MemoryPath: "/work/vm_recover.mem"}, l.Recover("vm"))

	// Base artifacts map back to the same VM name
	assert.Equal(t, "vm", VMName(base.DiskPath))
}

func TestRequireFile(t *testing.T) {
	dir := t.TempDir()

	present := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0644))
	assert.NoError(t, RequireFile(present))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	assert.ErrorIs(t, RequireFile(empty), ErrEmptyFile)

	assert.ErrorIs(t, RequireFile(filepath.Join(dir, "absent")), ErrNotFound)
	assert.ErrorIs(t, RequireFile(dir), ErrNotFound)
}

func TestSnapshotValidate(t *testing.T) {
	dir := t.TempDir()

	s := Snapshot{
		DiskPath:   filepath.Join(dir, "disk"),
		MemoryPath: filepath.Join(dir, "mem"),
	}
	assert.ErrorIs(t, s.Validate(), ErrNotFound)

	require.NoError(t, os.WriteFile(s.DiskPath, []byte("disk"), 0644))
	assert.ErrorIs(t, s.Validate(), ErrNotFound)

	require.NoError(t, os.WriteFile(s.MemoryPath, []byte("mem"), 0644))
	assert.NoError(t, s.Validate())
}
