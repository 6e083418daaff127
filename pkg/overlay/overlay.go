// Package overlay derives overlays from a base and a modified snapshot and
// reconstructs modified snapshots from a base plus an overlay.
package overlay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	"github.com/loopholelabs/cloudlet/pkg/utils"
	loggingtypes "github.com/loopholelabs/logging/types"
)

var (
	ErrSourceMissing     = errors.New("base snapshot file missing")
	ErrTargetMissing     = errors.New("modified snapshot file missing")
	ErrDeltaMissing      = errors.New("overlay delta missing")
	ErrDeltaEncodeFailed = errors.New("delta encode failed")
	ErrDeltaDecodeFailed = errors.New("delta decode failed")
	ErrOutputIsInput     = errors.New("output path is also an input")
)

// Package holds the disk and memory deltas of an overlay. It is read-only once built.
type Package struct {
	DiskDelta   string `json:"disk"`
	MemoryDelta string `json:"memory"`
}

// Validate checks that both deltas exist and are not empty.
func (p Package) Validate() error {
	if err := snapshot.RequireFile(p.DiskDelta); err != nil {
		return errors.Join(ErrDeltaMissing, err)
	}

	if err := snapshot.RequireFile(p.MemoryDelta); err != nil {
		return errors.Join(ErrDeltaMissing, err)
	}

	return nil
}

func requireAll(sentinel error, paths ...string) error {
	for _, path := range paths {
		if err := snapshot.RequireFile(path); err != nil {
			return errors.Join(sentinel, err)
		}
	}

	return nil
}

// requireDistinct rejects outputs that name an input or each other, so clearing an
// output never deletes a snapshot it is derived from.
func requireDistinct(outputs []string, inputs ...string) error {
	for i, output := range outputs {
		others := append(append([]string{}, inputs...), outputs[i+1:]...)
		for _, other := range others {
			if samePath(output, other) {
				return errors.Join(ErrOutputIsInput, fmt.Errorf("%s", output))
			}
		}
	}

	return nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA == nil && errB == nil && absA == absB {
		return true
	}

	infoA, err := os.Stat(a)
	if err != nil {
		return false
	}

	infoB, err := os.Stat(b)
	if err != nil {
		return false
	}

	return os.SameFile(infoA, infoB)
}

func removeAll(log loggingtypes.Logger, paths ...string) {
	for _, path := range paths {
		if err := utils.RemoveIfExists(path); err != nil && log != nil {
			log.Warn().Err(err).Str("path", path).Msg("could not remove partial output")
		}
	}
}
