// Package packager bundles an overlay's deltas and a manifest into a single tar+zstd file.
package packager

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/loopholelabs/cloudlet/pkg/overlay"
	"github.com/loopholelabs/cloudlet/pkg/utils"
)

// Manifest describes the overlay inside an archive.
type Manifest struct {
	Version    int    `json:"version"`
	BaseName   string `json:"base_name"`
	DiskSize   int64  `json:"diskimg_size"`
	MemorySize int64  `json:"memory_snapshot_size"`
}

type PackagerHooks struct {
	OnBeforeProcessFile func(name, path string)
}

func ArchiveOverlay(
	ctx context.Context,

	pkg overlay.Package,
	baseName string,
	packageOutputPath string,

	hooks PackagerHooks,
) (_ Manifest, errs error) {
	if err := pkg.Validate(); err != nil {
		return Manifest{}, err
	}

	devices := []struct {
		name string
		path string
		size *int64
	}{
		{DiskName, pkg.DiskDelta, nil},
		{MemoryName, pkg.MemoryDelta, nil},
	}

	manifest := Manifest{
		Version:  ManifestVersion,
		BaseName: baseName,
	}
	devices[0].size = &manifest.DiskSize
	devices[1].size = &manifest.MemorySize

	packageOutputFile, err := os.OpenFile(packageOutputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return Manifest{}, errors.Join(ErrCouldNotOpenPackageOutputFile, err)
	}
	defer packageOutputFile.Close()

	// A failed archive is never left behind truncated
	defer func() {
		if errs == nil {
			return
		}

		_ = packageOutputFile.Close()

		if err := utils.RemoveIfExists(packageOutputPath); err != nil {
			errs = errors.Join(errs, ErrCouldNotRemovePartialArchive, err)
		}
	}()

	compressor, err := zstd.NewWriter(packageOutputFile)
	if err != nil {
		return Manifest{}, errors.Join(ErrCouldNotCreateCompressor, err)
	}
	defer compressor.Close()

	packageOutputArchive := tar.NewWriter(compressor)
	defer packageOutputArchive.Close()

	for _, device := range devices {
	s:
		select {
		case <-ctx.Done():
			return Manifest{}, ctx.Err()

		default:
			break s
		}

		if hook := hooks.OnBeforeProcessFile; hook != nil {
			hook(device.name, device.path)
		}

		n, err := archiveFile(packageOutputArchive, device.name, device.path)
		if err != nil {
			return Manifest{}, err
		}

		*device.size = n
	}

	// The manifest goes last so it can carry the sizes that were actually written
	rawManifest, err := json.Marshal(manifest)
	if err != nil {
		return Manifest{}, errors.Join(ErrCouldNotEncodeManifest, err)
	}

	if hook := hooks.OnBeforeProcessFile; hook != nil {
		hook(ManifestName, packageOutputPath)
	}

	if err := packageOutputArchive.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     ManifestName,
		Mode:     0644,
		Size:     int64(len(rawManifest)),
		ModTime:  time.Unix(0, 0),
	}); err != nil {
		return Manifest{}, errors.Join(ErrCouldNotWriteTarHeader, err)
	}

	if _, err := packageOutputArchive.Write(rawManifest); err != nil {
		return Manifest{}, errors.Join(ErrCouldNotCopyToArchive, err)
	}

	if err := packageOutputArchive.Close(); err != nil {
		return Manifest{}, errors.Join(ErrCouldNotFinishArchive, err)
	}

	if err := compressor.Close(); err != nil {
		return Manifest{}, errors.Join(ErrCouldNotFinishArchive, err)
	}

	if err := packageOutputFile.Close(); err != nil {
		return Manifest{}, errors.Join(ErrCouldNotFinishArchive, err)
	}

	return manifest, nil
}

func archiveFile(archive *tar.Writer, name, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Join(ErrCouldNotOpenDevice, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, errors.Join(ErrCouldNotStatDevice, err)
	}

	header, err := tar.FileInfoHeader(info, path)
	if err != nil {
		return 0, errors.Join(ErrCouldNotCreateTarHeader, err)
	}
	header.Name = name

	if err := archive.WriteHeader(header); err != nil {
		return 0, errors.Join(ErrCouldNotWriteTarHeader, err)
	}

	n, err := io.Copy(archive, f)
	if err != nil {
		return 0, errors.Join(ErrCouldNotCopyToArchive, err)
	}

	return n, nil
}
