package packager

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/loopholelabs/cloudlet/pkg/overlay"
	"github.com/loopholelabs/cloudlet/pkg/utils"
)

// ExtractOverlay restores the deltas of an archive to dest and returns its manifest.
// Members may appear in any order; a missing member fails with ErrMissingDevice.
func ExtractOverlay(
	ctx context.Context,

	packageInputPath string,
	dest overlay.Package,

	hooks PackagerHooks,
) (Manifest, error) {
	packageFile, err := os.Open(packageInputPath)
	if err != nil {
		return Manifest{}, errors.Join(ErrCouldNotOpenPackageInputFile, err)
	}
	defer packageFile.Close()

	uncompressor, err := zstd.NewReader(packageFile)
	if err != nil {
		return Manifest{}, errors.Join(ErrCouldNotCreateUncompressor, err)
	}
	defer uncompressor.Close()

	packageArchive := tar.NewReader(uncompressor)

	paths := map[string]string{
		DiskName:   dest.DiskDelta,
		MemoryName: dest.MemoryDelta,
	}
	sizes := map[string]int64{}

	var (
		manifest      Manifest
		foundManifest bool
	)
	for {
	s:
		select {
		case <-ctx.Done():
			return Manifest{}, ctx.Err()

		default:
			break s
		}

		header, err := packageArchive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return Manifest{}, errors.Join(ErrCouldNotReadNextHeader, err)
		}

		if header.Name == ManifestName {
			if err := json.NewDecoder(packageArchive).Decode(&manifest); err != nil {
				return Manifest{}, errors.Join(ErrCouldNotDecodeManifest, err)
			}

			foundManifest = true

			continue
		}

		path, ok := paths[header.Name]
		if !ok {
			continue
		}

		if hook := hooks.OnBeforeProcessFile; hook != nil {
			hook(header.Name, path)
		}

		n, err := extractFile(packageArchive, path)
		if err != nil {
			return Manifest{}, err
		}

		sizes[header.Name] = n
	}

	for _, name := range KnownNames {
		_, extracted := sizes[name]
		if name == ManifestName {
			extracted = foundManifest
		}

		if !extracted {
			// We join the more specific error here first
			return Manifest{}, errors.Join(fmt.Errorf("missing device: %s", name), ErrMissingDevice)
		}
	}

	if sizes[DiskName] != manifest.DiskSize || sizes[MemoryName] != manifest.MemorySize {
		_ = utils.RemoveIfExists(dest.DiskDelta)
		_ = utils.RemoveIfExists(dest.MemoryDelta)

		return Manifest{}, errors.Join(ErrSizeMismatch, fmt.Errorf("got disk %d memory %d, manifest has disk %d memory %d", sizes[DiskName], sizes[MemoryName], manifest.DiskSize, manifest.MemorySize))
	}

	return manifest, nil
}

func extractFile(r io.Reader, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return 0, errors.Join(ErrCouldNotCreateOutputDir, err)
	}

	outputFile, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, errors.Join(ErrCouldNotOpenOutputFile, err)
	}
	defer outputFile.Close()

	n, err := io.Copy(outputFile, r)
	if err != nil {
		return 0, errors.Join(ErrCouldNotCopyToOutput, err)
	}

	return n, nil
}
