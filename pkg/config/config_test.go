package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loopholelabs/cloudlet/pkg/codec"
	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	"github.com/loopholelabs/cloudlet/pkg/synthesis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, raw string) string {
	path := filepath.Join(t.TempDir(), "cloudlet.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	conf, err := Load(writeConfig(t, `{
		"hypervisor": {"kvm_bin": "/usr/bin/qemu-system-x86_64", "memory_size": 4096, "run_timeout": "90s"},
		"codec": {"kind": "xdelta", "xdelta_bin": "/opt/xdelta3"},
		"server": {"version_policy": "any", "bases": [{"name": "ubuntu", "disk": "/b/ubuntu_base.qcow2", "memory": "/b/ubuntu_base.mem"}]}
	}`))
	require.NoError(t, err)

	qemu := conf.Hypervisor.QEMU()
	assert.Equal(t, "/usr/bin/qemu-system-x86_64", qemu.KVMBin)
	assert.Equal(t, 4096, qemu.MemorySize)
	assert.Equal(t, 90*time.Second, qemu.RunTimeout)
	assert.Equal(t, time.Minute, qemu.SnapshotAfter)

	c, err := conf.Codec.Codec(nil)
	require.NoError(t, err)
	xd, ok := c.(*codec.XDelta)
	require.True(t, ok)
	assert.Equal(t, "/opt/xdelta3", xd.Bin)

	server, err := conf.Server.Synthesis()
	require.NoError(t, err)
	assert.Equal(t, synthesis.VersionPolicyAcceptAny, server.VersionPolicy)
	assert.Equal(t, synthesis.DefaultIOTimeout, server.IOTimeout)

	assert.Equal(t, []snapshot.BaseSnapshot{
		{Name: "ubuntu", Snapshot: snapshot.Snapshot{DiskPath: "/b/ubuntu_base.qcow2", MemoryPath: "/b/ubuntu_base.mem"}},
	}, conf.Server.StaticBases())

	assert.Equal(t, "127.0.0.1:8021", conf.Client.SynthesisAddress)
	assert.Equal(t, synthesis.DefaultDialTimeout, conf.Client.Synthesis().DialTimeout)
}

func TestDefaultCodec(t *testing.T) {
	c, err := Default().Codec.Codec(nil)
	require.NoError(t, err)

	bc, ok := c.(*codec.BlockCodec)
	require.True(t, ok)
	assert.EqualValues(t, codec.DefaultBlockSize, bc.BlockSize)

	_, err = CodecConfiguration{Kind: "lzma"}.Codec(nil)
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, ErrCouldNotOpenConfig)

	_, err = Load(writeConfig(t, `{"hypervisor": {"run_timeout": "soon"}}`))
	assert.ErrorIs(t, err, ErrCouldNotDecodeConfig)

	_, err = Load(writeConfig(t, `{"hypervisr": {}}`))
	assert.ErrorIs(t, err, ErrCouldNotDecodeConfig)

	_, err = ServerConfiguration{VersionPolicy: "lenient"}.Synthesis()
	assert.ErrorIs(t, err, ErrUnknownVersionPolicy)
}
