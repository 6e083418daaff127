package testutil

import (
	"context"
	"crypto/rand"
	"os"
	"sync/atomic"

	"github.com/loopholelabs/cloudlet/pkg/codec"
)

func WriteRandomFile(path string, size int) error {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// CountingCodec wraps a DeltaCodec and counts how often it is invoked.
type CountingCodec struct {
	codec.DeltaCodec

	Diffs   atomic.Int64
	Patches atomic.Int64

	// FailDiffAfter makes every diff after the first n ones fail. Negative disables it.
	FailDiffAfter int64
}

func NewCountingCodec(inner codec.DeltaCodec) *CountingCodec {
	return &CountingCodec{
		DeltaCodec:    inner,
		FailDiffAfter: -1,
	}
}

func (c *CountingCodec) Diff(ctx context.Context, sourcePath, targetPath, outputPath string) error {
	n := c.Diffs.Add(1)

	if c.FailDiffAfter >= 0 && n > c.FailDiffAfter {
		// Leave something behind, as a crashed encoder would
		if err := os.WriteFile(outputPath, []byte("partial"), 0644); err != nil {
			return err
		}

		return ErrFakeCodec
	}

	return c.DeltaCodec.Diff(ctx, sourcePath, targetPath, outputPath)
}

func (c *CountingCodec) Patch(ctx context.Context, sourcePath, deltaPath, outputPath string) error {
	c.Patches.Add(1)

	return c.DeltaCodec.Patch(ctx, sourcePath, deltaPath, outputPath)
}
