package codec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates a stand-in for the xdelta3 binary that records its arguments.
func writeScript(t *testing.T, dir string, body string) string {
	bin := filepath.Join(dir, "xdelta3")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+body+"\n"), 0755))

	return bin
}

func TestXDeltaArguments(t *testing.T) {
	dir := t.TempDir()
	argsPath := filepath.Join(dir, "args")

	bin := writeScript(t, dir, `echo "$@" >> `+argsPath)

	x := NewXDelta(nil, bin)

	require.NoError(t, x.Diff(context.Background(), "base", "modified", "overlay"))
	require.NoError(t, x.Patch(context.Background(), "base", "overlay", "recovered"))

	data, err := os.ReadFile(argsPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{
		"-e -f -s base modified overlay",
		"-d -f -s base overlay recovered",
	}, lines)
}

func TestXDeltaExitCode(t *testing.T) {
	dir := t.TempDir()

	bin := writeScript(t, dir, "exit 3")

	x := NewXDelta(nil, bin)

	err := x.Diff(context.Background(), "base", "modified", "overlay")
	assert.ErrorIs(t, err, ErrCouldNotRunXDelta)

	var exitErr *common.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, 3, common.ExitCode(err, 1))
}

func TestXDeltaRemovesPartialOutput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "overlay")

	// Writes part of the output, then fails
	bin := writeScript(t, dir, `echo partial > "$6"; exit 2`)

	x := NewXDelta(nil, bin)

	err := x.Diff(context.Background(), "base", "modified", output)
	assert.ErrorIs(t, err, ErrCouldNotRunXDelta)
	assert.Equal(t, 2, common.ExitCode(err, 1))

	_, err = os.Stat(output)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewXDeltaDefaultBin(t *testing.T) {
	assert.Equal(t, DefaultXDeltaBin, NewXDelta(nil, " ").Bin)
}
