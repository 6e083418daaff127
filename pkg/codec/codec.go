// Package codec computes and applies binary deltas between VM disk and memory images.
//
// A DeltaCodec works on paths: Diff writes a delta that turns source into target,
// Patch applies such a delta to source and writes the reconstructed target.
// Implementations must be deterministic so rebuilding an overlay from identical
// inputs yields an identical delta.
package codec

import (
	"context"
	"errors"
)

var (
	ErrCouldNotRemoveOutput = errors.New("could not remove existing output")
)

type DeltaCodec interface {
	Diff(ctx context.Context, sourcePath, targetPath, outputPath string) error
	Patch(ctx context.Context, sourcePath, deltaPath, outputPath string) error
}
