package overlay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/loopholelabs/cloudlet/pkg/codec"
	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	"github.com/loopholelabs/cloudlet/pkg/utils"
	loggingtypes "github.com/loopholelabs/logging/types"
)

var (
	ErrCouldNotCreateOutputDir = errors.New("could not create output directory")
	ErrCouldNotRemoveOutput    = errors.New("could not remove existing output")
)

type Builder struct {
	codec   codec.DeltaCodec
	metrics *common.SynthesisMetrics
	log     loggingtypes.Logger
}

func NewBuilder(log loggingtypes.Logger, c codec.DeltaCodec, metrics *common.SynthesisMetrics) *Builder {
	return &Builder{
		codec:   c,
		metrics: metrics,
		log:     log,
	}
}

// Build writes the disk and memory deltas that turn base into modified. Inputs are
// checked before the codec runs; on failure neither delta is left behind.
func (b *Builder) Build(ctx context.Context, base snapshot.BaseSnapshot, modified snapshot.Snapshot, dest Package) (Package, error) {
	if err := requireAll(ErrSourceMissing, base.DiskPath, base.MemoryPath); err != nil {
		return Package{}, err
	}

	if err := requireAll(ErrTargetMissing, modified.DiskPath, modified.MemoryPath); err != nil {
		return Package{}, err
	}

	if err := requireDistinct([]string{dest.DiskDelta, dest.MemoryDelta}, base.DiskPath, base.MemoryPath, modified.DiskPath, modified.MemoryPath); err != nil {
		return Package{}, err
	}

	for _, path := range []string{dest.DiskDelta, dest.MemoryDelta} {
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return Package{}, errors.Join(ErrCouldNotCreateOutputDir, err)
		}

		if err := utils.RemoveIfExists(path); err != nil {
			return Package{}, errors.Join(ErrCouldNotRemoveOutput, err)
		}
	}

	start := time.Now()

	if b.log != nil {
		b.log.Info().Str("base", base.Name).Str("disk", dest.DiskDelta).Str("memory", dest.MemoryDelta).Msg("building overlay")
	}

	for _, pair := range [][3]string{
		{base.DiskPath, modified.DiskPath, dest.DiskDelta},
		{base.MemoryPath, modified.MemoryPath, dest.MemoryDelta},
	} {
		if err := b.codec.Diff(ctx, pair[0], pair[1], pair[2]); err != nil {
			removeAll(b.log, dest.DiskDelta, dest.MemoryDelta)

			return Package{}, errors.Join(ErrDeltaEncodeFailed, err)
		}
	}

	size, err := dest.Size()
	if err != nil {
		removeAll(b.log, dest.DiskDelta, dest.MemoryDelta)

		return Package{}, errors.Join(ErrDeltaEncodeFailed, err)
	}

	took := time.Since(start)
	b.metrics.ObserveBuild(base.Name, took, size)

	if b.log != nil {
		b.log.Info().Str("base", base.Name).Int64("bytes", size).Int64("ms", took.Milliseconds()).Msg("overlay built")
	}

	return dest, nil
}

// Size returns the combined size of both deltas.
func (p Package) Size() (int64, error) {
	var total int64
	for _, path := range []string{p.DiskDelta, p.MemoryDelta} {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}

		total += info.Size()
	}

	return total, nil
}
