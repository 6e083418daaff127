package overlay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/loopholelabs/cloudlet/pkg/codec"
	"github.com/loopholelabs/cloudlet/pkg/common"
	"github.com/loopholelabs/cloudlet/pkg/hypervisor"
	"github.com/loopholelabs/cloudlet/pkg/snapshot"
	"github.com/loopholelabs/cloudlet/pkg/utils"
	loggingtypes "github.com/loopholelabs/logging/types"
)

var (
	ErrCouldNotResume = errors.New("could not resume reconstructed snapshot")
	ErrCouldNotVerify = errors.New("could not verify reconstructed file")
)

type Merger struct {
	codec      codec.DeltaCodec
	hypervisor hypervisor.Hypervisor
	memorySize int
	metrics    *common.SynthesisMetrics
	log        loggingtypes.Logger
}

func NewMerger(log loggingtypes.Logger, c codec.DeltaCodec, hv hypervisor.Hypervisor, memorySize int, metrics *common.SynthesisMetrics) *Merger {
	return &Merger{
		codec:      c,
		hypervisor: hv,
		memorySize: memorySize,
		metrics:    metrics,
		log:        log,
	}
}

// Merge applies overlay to base and writes the reconstructed snapshot to dest. On
// failure neither reconstructed file is left behind.
func (m *Merger) Merge(ctx context.Context, base snapshot.BaseSnapshot, overlay Package, dest snapshot.Snapshot) (snapshot.Snapshot, error) {
	if err := requireAll(ErrSourceMissing, base.DiskPath, base.MemoryPath); err != nil {
		return snapshot.Snapshot{}, err
	}

	if err := overlay.Validate(); err != nil {
		return snapshot.Snapshot{}, err
	}

	if err := requireDistinct([]string{dest.DiskPath, dest.MemoryPath}, base.DiskPath, base.MemoryPath, overlay.DiskDelta, overlay.MemoryDelta); err != nil {
		return snapshot.Snapshot{}, err
	}

	for _, path := range []string{dest.DiskPath, dest.MemoryPath} {
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return snapshot.Snapshot{}, errors.Join(ErrCouldNotCreateOutputDir, err)
		}

		if err := utils.RemoveIfExists(path); err != nil {
			return snapshot.Snapshot{}, errors.Join(ErrCouldNotRemoveOutput, err)
		}
	}

	start := time.Now()

	if m.log != nil {
		m.log.Info().Str("base", base.Name).Str("disk", dest.DiskPath).Str("memory", dest.MemoryPath).Msg("merging overlay")
	}

	for _, pair := range [][3]string{
		{base.DiskPath, overlay.DiskDelta, dest.DiskPath},
		{base.MemoryPath, overlay.MemoryDelta, dest.MemoryPath},
	} {
		if err := m.codec.Patch(ctx, pair[0], pair[1], pair[2]); err != nil {
			removeAll(m.log, dest.DiskPath, dest.MemoryPath)

			return snapshot.Snapshot{}, errors.Join(ErrDeltaDecodeFailed, err)
		}
	}

	took := time.Since(start)
	m.metrics.ObserveMerge(base.Name, took)

	if m.log != nil {
		m.log.Info().Str("base", base.Name).Int64("ms", took.Milliseconds()).Msg("overlay merged")
	}

	return dest, nil
}

// Resume boots the reconstructed disk with its memory as the incoming state.
func (m *Merger) Resume(ctx context.Context, s snapshot.Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}

	if m.log != nil {
		m.log.Info().Str("disk", s.DiskPath).Str("memory", s.MemoryPath).Msg("resuming reconstructed snapshot")
	}

	if err := m.hypervisor.Run(ctx, hypervisor.RunConfiguration{
		Disk:       s.DiskPath,
		Incoming:   s.MemoryPath,
		MemorySize: m.memorySize,
	}); err != nil {
		return errors.Join(ErrCouldNotResume, err)
	}

	return nil
}

const verifyChunkSize = 1024 * 1024

// Verify reports whether reconstructed is byte-identical to original.
func Verify(reconstructed, original string) (bool, error) {
	a, err := os.Open(reconstructed)
	if err != nil {
		return false, errors.Join(ErrCouldNotVerify, err)
	}
	defer a.Close()

	b, err := os.Open(original)
	if err != nil {
		return false, errors.Join(ErrCouldNotVerify, err)
	}
	defer b.Close()

	aInfo, err := a.Stat()
	if err != nil {
		return false, errors.Join(ErrCouldNotVerify, err)
	}

	bInfo, err := b.Stat()
	if err != nil {
		return false, errors.Join(ErrCouldNotVerify, err)
	}

	if aInfo.Size() != bInfo.Size() {
		return false, nil
	}

	ar := bufio.NewReaderSize(a, verifyChunkSize)
	br := bufio.NewReaderSize(b, verifyChunkSize)

	abuf := make([]byte, verifyChunkSize)
	bbuf := make([]byte, verifyChunkSize)
	for {
		an, aerr := io.ReadFull(ar, abuf)
		bn, berr := io.ReadFull(br, bbuf)

		if an != bn || !bytes.Equal(abuf[:an], bbuf[:bn]) {
			return false, nil
		}

		aDone := errors.Is(aerr, io.EOF) || errors.Is(aerr, io.ErrUnexpectedEOF)
		bDone := errors.Is(berr, io.EOF) || errors.Is(berr, io.ErrUnexpectedEOF)

		if aerr != nil && !aDone {
			return false, errors.Join(ErrCouldNotVerify, aerr)
		}

		if berr != nil && !bDone {
			return false, errors.Join(ErrCouldNotVerify, berr)
		}

		if aDone || bDone {
			return aDone == bDone, nil
		}
	}
}
