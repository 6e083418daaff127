package overlay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/loopholelabs/cloudlet/pkg/codec"
	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	"github.com/loopholelabs/cloudlet/pkg/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDiskSize   = 1024 * 1024
	testMemorySize = 512 * 1024
)

type fixture struct {
	dir      string
	base     snapshot.BaseSnapshot
	modified snapshot.Snapshot
	hv       *testutil.FakeHypervisor
	codec    *testutil.CountingCodec
}

func setup(t *testing.T) *fixture {
	dir := t.TempDir()

	layout := snapshot.Layout{WorkDir: dir}
	base := layout.Base("vm")
	require.NoError(t, testutil.WriteRandomFile(base.DiskPath, testDiskSize))
	require.NoError(t, testutil.WriteRandomFile(base.MemoryPath, testMemorySize))

	hv := testutil.NewFakeHypervisor()
	m := snapshot.NewManager(nil, hv, layout, 0)

	modified, err := m.CaptureModified(context.Background(), base.DiskPath, base.MemoryPath)
	require.NoError(t, err)

	bc, err := codec.NewBlockCodec(nil, 0)
	require.NoError(t, err)

	return &fixture{
		dir:      dir,
		base:     base,
		modified: modified,
		hv:       hv,
		codec:    testutil.NewCountingCodec(bc),
	}
}

func (f *fixture) overlay() Package {
	o := snapshot.Layout{WorkDir: f.dir}.Overlay("vm")

	return Package{DiskDelta: o.DiskPath, MemoryDelta: o.MemoryPath}
}

func (f *fixture) recover() snapshot.Snapshot {
	return snapshot.Layout{WorkDir: f.dir}.Recover("vm")
}

func assertAbsent(t *testing.T, paths ...string) {
	for _, path := range paths {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "%s should not exist", path)
	}
}

func TestRoundTrip(t *testing.T) {
	f := setup(t)

	reg := prometheus.NewRegistry()
	metrics := common.NewSynthesisMetrics(reg)

	pkg, err := NewBuilder(nil, f.codec, metrics).Build(context.Background(), f.base, f.modified, f.overlay())
	require.NoError(t, err)
	require.NoError(t, pkg.Validate())

	size, err := pkg.Size()
	require.NoError(t, err)
	assert.Less(t, size, int64(testDiskSize/10))

	merger := NewMerger(nil, f.codec, f.hv, 0, metrics)
	recovered, err := merger.Merge(context.Background(), f.base, pkg, f.recover())
	require.NoError(t, err)

	same, err := Verify(recovered.DiskPath, f.modified.DiskPath)
	require.NoError(t, err)
	assert.True(t, same)

	same, err = Verify(recovered.MemoryPath, f.modified.MemoryPath)
	require.NoError(t, err)
	assert.True(t, same)

	assert.Equal(t, 1, promtestutil.CollectAndCount(metrics.MetricBuildTimeMS))
	assert.Equal(t, float64(size), promtestutil.ToFloat64(metrics.MetricOverlayBytes.WithLabelValues("vm")))
	assert.Equal(t, 1, promtestutil.CollectAndCount(metrics.MetricMergeTimeMS))
}

func TestBuildIdempotent(t *testing.T) {
	f := setup(t)
	b := NewBuilder(nil, f.codec, nil)

	first, err := b.Build(context.Background(), f.base, f.modified, f.overlay())
	require.NoError(t, err)

	disk, err := os.ReadFile(first.DiskDelta)
	require.NoError(t, err)
	memory, err := os.ReadFile(first.MemoryDelta)
	require.NoError(t, err)

	second, err := b.Build(context.Background(), f.base, f.modified, f.overlay())
	require.NoError(t, err)

	disk2, err := os.ReadFile(second.DiskDelta)
	require.NoError(t, err)
	memory2, err := os.ReadFile(second.MemoryDelta)
	require.NoError(t, err)

	assert.Equal(t, disk, disk2)
	assert.Equal(t, memory, memory2)
}

func TestBuildMissingInput(t *testing.T) {
	for _, tc := range []struct {
		name   string
		remove func(*fixture) string
		err    error
	}{
		{"base disk", func(f *fixture) string { return f.base.DiskPath }, ErrSourceMissing},
		{"base memory", func(f *fixture) string { return f.base.MemoryPath }, ErrSourceMissing},
		{"modified disk", func(f *fixture) string { return f.modified.DiskPath }, ErrTargetMissing},
		{"modified memory", func(f *fixture) string { return f.modified.MemoryPath }, ErrTargetMissing},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			require.NoError(t, os.Remove(tc.remove(f)))

			dest := f.overlay()
			_, err := NewBuilder(nil, f.codec, nil).Build(context.Background(), f.base, f.modified, dest)
			assert.ErrorIs(t, err, tc.err)
			assert.ErrorIs(t, err, snapshot.ErrNotFound)

			assert.Zero(t, f.codec.Diffs.Load())
			assertAbsent(t, dest.DiskDelta, dest.MemoryDelta)
		})
	}
}

func TestBuildEncodeFailureCleanup(t *testing.T) {
	f := setup(t)
	f.codec.FailDiffAfter = 1

	dest := f.overlay()
	_, err := NewBuilder(nil, f.codec, nil).Build(context.Background(), f.base, f.modified, dest)
	assert.ErrorIs(t, err, ErrDeltaEncodeFailed)
	assert.ErrorIs(t, err, testutil.ErrFakeCodec)

	assert.EqualValues(t, 2, f.codec.Diffs.Load())
	assertAbsent(t, dest.DiskDelta, dest.MemoryDelta)
}

func TestBuildRejectsOutputOverInput(t *testing.T) {
	f := setup(t)

	baseDisk, err := os.ReadFile(f.base.DiskPath)
	require.NoError(t, err)

	for name, dest := range map[string]Package{
		"base disk":         {DiskDelta: f.base.DiskPath, MemoryDelta: f.overlay().MemoryDelta},
		"unclean base path": {DiskDelta: f.overlay().DiskDelta, MemoryDelta: f.dir + "/./" + filepath.Base(f.base.MemoryPath)},
		"modified memory":   {DiskDelta: f.overlay().DiskDelta, MemoryDelta: f.modified.MemoryPath},
		"same output twice": {DiskDelta: f.overlay().DiskDelta, MemoryDelta: f.overlay().DiskDelta},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewBuilder(nil, f.codec, nil).Build(context.Background(), f.base, f.modified, dest)
			assert.ErrorIs(t, err, ErrOutputIsInput)
			assert.Zero(t, f.codec.Diffs.Load())

			require.NoError(t, requireAll(ErrSourceMissing, f.base.DiskPath, f.base.MemoryPath))
			require.NoError(t, requireAll(ErrTargetMissing, f.modified.DiskPath, f.modified.MemoryPath))
		})
	}

	data, err := os.ReadFile(f.base.DiskPath)
	require.NoError(t, err)
	assert.Equal(t, baseDisk, data)
}

func TestMergeRejectsOutputOverInput(t *testing.T) {
	f := setup(t)

	pkg, err := NewBuilder(nil, f.codec, nil).Build(context.Background(), f.base, f.modified, f.overlay())
	require.NoError(t, err)

	for name, dest := range map[string]snapshot.Snapshot{
		"base disk":     {DiskPath: f.base.DiskPath, MemoryPath: f.recover().MemoryPath},
		"overlay delta": {DiskPath: f.recover().DiskPath, MemoryPath: pkg.MemoryDelta},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewMerger(nil, f.codec, f.hv, 0, nil).Merge(context.Background(), f.base, pkg, dest)
			assert.ErrorIs(t, err, ErrOutputIsInput)
			assert.Zero(t, f.codec.Patches.Load())

			require.NoError(t, requireAll(ErrSourceMissing, f.base.DiskPath, f.base.MemoryPath))
			require.NoError(t, pkg.Validate())
		})
	}
}

func TestMergeMissingInput(t *testing.T) {
	f := setup(t)

	pkg, err := NewBuilder(nil, f.codec, nil).Build(context.Background(), f.base, f.modified, f.overlay())
	require.NoError(t, err)

	require.NoError(t, os.Remove(pkg.MemoryDelta))

	dest := f.recover()
	_, err = NewMerger(nil, f.codec, f.hv, 0, nil).Merge(context.Background(), f.base, pkg, dest)
	assert.ErrorIs(t, err, ErrDeltaMissing)

	assert.Zero(t, f.codec.Patches.Load())
	assertAbsent(t, dest.DiskPath, dest.MemoryPath)

	require.NoError(t, os.Remove(f.base.DiskPath))
	_, err = NewMerger(nil, f.codec, f.hv, 0, nil).Merge(context.Background(), f.base, pkg, dest)
	assert.ErrorIs(t, err, ErrSourceMissing)
}

func TestMergeDecodeFailureCleanup(t *testing.T) {
	f := setup(t)

	pkg, err := NewBuilder(nil, f.codec, nil).Build(context.Background(), f.base, f.modified, f.overlay())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(pkg.MemoryDelta, []byte("not a delta"), 0644))

	dest := f.recover()
	_, err = NewMerger(nil, f.codec, f.hv, 0, nil).Merge(context.Background(), f.base, pkg, dest)
	assert.ErrorIs(t, err, ErrDeltaDecodeFailed)
	assertAbsent(t, dest.DiskPath, dest.MemoryPath)
}

func TestResume(t *testing.T) {
	f := setup(t)

	merger := NewMerger(nil, f.codec, f.hv, 512, nil)
	require.NoError(t, merger.Resume(context.Background(), f.modified))

	runs := f.hv.Runs()
	require.NotEmpty(t, runs)
	last := runs[len(runs)-1]
	assert.Equal(t, f.modified.DiskPath, last.Disk)
	assert.Equal(t, f.modified.MemoryPath, last.Incoming)
	assert.Empty(t, last.SnapshotPath)
	assert.Equal(t, 512, last.MemorySize)

	f.hv.Fail = true
	assert.ErrorIs(t, merger.Resume(context.Background(), f.modified), ErrCouldNotResume)

	assert.ErrorIs(t, merger.Resume(context.Background(), snapshot.Snapshot{
		DiskPath:   filepath.Join(f.dir, "absent.qcow2"),
		MemoryPath: f.modified.MemoryPath,
	}), snapshot.ErrNotFound)
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0644))

		return path
	}

	big := make([]byte, verifyChunkSize+17)
	for i := range big {
		big[i] = byte(i)
	}

	a := write("a", big)
	b := write("b", big)

	same, err := Verify(a, b)
	require.NoError(t, err)
	assert.True(t, same)

	changed := append([]byte{}, big...)
	changed[verifyChunkSize+3] ^= 0xff
	c := write("c", changed)

	same, err = Verify(a, c)
	require.NoError(t, err)
	assert.False(t, same)

	d := write("d", big[:len(big)-1])
	same, err = Verify(a, d)
	require.NoError(t, err)
	assert.False(t, same)

	_, err = Verify(a, filepath.Join(dir, "absent"))
	assert.ErrorIs(t, err, ErrCouldNotVerify)
}
