package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/loopholelabs/cloudlet/pkg/utils"
	loggingtypes "github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/silo/pkg/storage"
	"github.com/loopholelabs/silo/pkg/storage/sources"
)

// Delta stream layout, zstd compressed:
//
//	header: magic[4] version[1] blockSize[4] targetSize[8]
//	record: offset[8] length[4] data[length]   (repeated)
//	end:    offset = 0xffffffffffffffff, length = 0
//
// All integers are big endian. Blocks absent from the stream are copied from the source.
const (
	blockMagic         = "CLDB"
	blockFormatVersion = 1
	blockHeaderSize    = 4 + 1 + 4 + 8
	blockRecordSize    = 8 + 4

	endOfRecords = ^uint64(0)

	DefaultBlockSize = 4096
	MaxBlockSize     = 4 * 1024 * 1024
)

var (
	ErrInvalidBlockSize           = errors.New("invalid block size")
	ErrInvalidDelta               = errors.New("invalid delta")
	ErrCouldNotOpenSource         = errors.New("could not open source")
	ErrCouldNotOpenTarget         = errors.New("could not open target")
	ErrCouldNotOpenDelta          = errors.New("could not open delta")
	ErrCouldNotCreateOutput       = errors.New("could not create output")
	ErrCouldNotCreateCompressor   = errors.New("could not create compressor")
	ErrCouldNotCreateDecompressor = errors.New("could not create decompressor")
	ErrCouldNotReadSource         = errors.New("could not read source")
	ErrCouldNotReadTarget         = errors.New("could not read target")
	ErrCouldNotWriteDelta         = errors.New("could not write delta")
	ErrCouldNotReadDelta          = errors.New("could not read delta")
	ErrCouldNotWriteOutput        = errors.New("could not write output")
	ErrCouldNotFlushOutput        = errors.New("could not flush output")
)

// BlockCodec is an in-process DeltaCodec that records the fixed-size blocks of the
// target which differ from the source. Disk and memory images of a resumed VM mostly
// change in place, which is exactly what this captures.
type BlockCodec struct {
	BlockSize uint32
	log       loggingtypes.Logger
}

func NewBlockCodec(log loggingtypes.Logger, blockSize uint32) (*BlockCodec, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	if blockSize > MaxBlockSize {
		return nil, errors.Join(ErrInvalidBlockSize, fmt.Errorf("block size %d exceeds %d", blockSize, MaxBlockSize))
	}

	return &BlockCodec{
		BlockSize: blockSize,
		log:       log,
	}, nil
}

func openProvider(path string) (storage.Provider, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}

	prov, err := sources.NewFileStorage(path, info.Size())
	if err != nil {
		return nil, 0, err
	}

	return prov, info.Size(), nil
}

func (c *BlockCodec) Diff(ctx context.Context, sourcePath, targetPath, outputPath string) error {
	source, sourceSize, err := openProvider(sourcePath)
	if err != nil {
		return errors.Join(ErrCouldNotOpenSource, err)
	}
	defer source.Close()

	target, targetSize, err := openProvider(targetPath)
	if err != nil {
		return errors.Join(ErrCouldNotOpenTarget, err)
	}
	defer target.Close()

	outputFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Join(ErrCouldNotCreateOutput, err)
	}
	defer outputFile.Close()

	// A single encoder goroutine keeps the compressed output identical across runs
	compressor, err := zstd.NewWriter(outputFile, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return errors.Join(ErrCouldNotCreateCompressor, err)
	}
	defer compressor.Close()

	header := make([]byte, blockHeaderSize)
	copy(header, blockMagic)
	header[4] = blockFormatVersion
	binary.BigEndian.PutUint32(header[5:], c.BlockSize)
	binary.BigEndian.PutUint64(header[9:], uint64(targetSize))

	if _, err := compressor.Write(header); err != nil {
		return errors.Join(ErrCouldNotWriteDelta, err)
	}

	var (
		blockSize = int64(c.BlockSize)
		sourceBuf = make([]byte, blockSize)
		targetBuf = make([]byte, blockSize)
		record    = make([]byte, blockRecordSize)

		changed int64
	)

	for off := int64(0); off < targetSize; off += blockSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := min(blockSize, targetSize-off)

		if _, err := target.ReadAt(targetBuf[:n], off); err != nil {
			return errors.Join(ErrCouldNotReadTarget, err)
		}

		// Blocks only partially covered by the source are always recorded
		if off+n <= sourceSize {
			if _, err := source.ReadAt(sourceBuf[:n], off); err != nil {
				return errors.Join(ErrCouldNotReadSource, err)
			}

			if bytes.Equal(sourceBuf[:n], targetBuf[:n]) {
				continue
			}
		}

		binary.BigEndian.PutUint64(record, uint64(off))
		binary.BigEndian.PutUint32(record[8:], uint32(n))

		if _, err := compressor.Write(record); err != nil {
			return errors.Join(ErrCouldNotWriteDelta, err)
		}

		if _, err := compressor.Write(targetBuf[:n]); err != nil {
			return errors.Join(ErrCouldNotWriteDelta, err)
		}

		changed++
	}

	binary.BigEndian.PutUint64(record, endOfRecords)
	binary.BigEndian.PutUint32(record[8:], 0)

	if _, err := compressor.Write(record); err != nil {
		return errors.Join(ErrCouldNotWriteDelta, err)
	}

	if err := compressor.Close(); err != nil {
		return errors.Join(ErrCouldNotWriteDelta, err)
	}

	if c.log != nil {
		c.log.Debug().
			Str("source", sourcePath).
			Str("target", targetPath).
			Int64("changed_blocks", changed).
			Int64("target_size", targetSize).
			Msg("block delta written")
	}

	return nil
}

func (c *BlockCodec) Patch(ctx context.Context, sourcePath, deltaPath, outputPath string) error {
	source, sourceSize, err := openProvider(sourcePath)
	if err != nil {
		return errors.Join(ErrCouldNotOpenSource, err)
	}
	defer source.Close()

	deltaFile, err := os.Open(deltaPath)
	if err != nil {
		return errors.Join(ErrCouldNotOpenDelta, err)
	}
	defer deltaFile.Close()

	decompressor, err := zstd.NewReader(deltaFile)
	if err != nil {
		return errors.Join(ErrCouldNotCreateDecompressor, err)
	}
	defer decompressor.Close()

	header := make([]byte, blockHeaderSize)
	if _, err := io.ReadFull(decompressor, header); err != nil {
		return errors.Join(ErrInvalidDelta, ErrCouldNotReadDelta, err)
	}

	if string(header[:4]) != blockMagic || header[4] != blockFormatVersion {
		return errors.Join(ErrInvalidDelta, fmt.Errorf("unexpected header %q version %d", header[:4], header[4]))
	}

	blockSize := int64(binary.BigEndian.Uint32(header[5:]))
	if blockSize == 0 || blockSize > MaxBlockSize {
		return errors.Join(ErrInvalidDelta, ErrInvalidBlockSize)
	}

	targetSize := int64(binary.BigEndian.Uint64(header[9:]))
	if targetSize < 0 {
		return errors.Join(ErrInvalidDelta, fmt.Errorf("invalid target size %d", targetSize))
	}

	if err := utils.RemoveIfExists(outputPath); err != nil {
		return errors.Join(ErrCouldNotRemoveOutput, err)
	}

	output, err := sources.NewFileStorageCreate(outputPath, targetSize)
	if err != nil {
		return errors.Join(ErrCouldNotCreateOutput, err)
	}
	defer output.Close()

	buf := make([]byte, blockSize)

	// Start from the source, then overlay the recorded blocks
	shared := min(sourceSize, targetSize)
	for off := int64(0); off < shared; off += blockSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := min(blockSize, shared-off)

		if _, err := source.ReadAt(buf[:n], off); err != nil {
			return errors.Join(ErrCouldNotReadSource, err)
		}

		if _, err := output.WriteAt(buf[:n], off); err != nil {
			return errors.Join(ErrCouldNotWriteOutput, err)
		}
	}

	record := make([]byte, blockRecordSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := io.ReadFull(decompressor, record); err != nil {
			return errors.Join(ErrInvalidDelta, ErrCouldNotReadDelta, err)
		}

		off := binary.BigEndian.Uint64(record)
		n := int64(binary.BigEndian.Uint32(record[8:]))

		if off == endOfRecords {
			break
		}

		if n == 0 || n > blockSize || off > uint64(targetSize) || int64(off)+n > targetSize {
			return errors.Join(ErrInvalidDelta, fmt.Errorf("record at %d of length %d out of range", off, n))
		}

		if _, err := io.ReadFull(decompressor, buf[:n]); err != nil {
			return errors.Join(ErrInvalidDelta, ErrCouldNotReadDelta, err)
		}

		if _, err := output.WriteAt(buf[:n], int64(off)); err != nil {
			return errors.Join(ErrCouldNotWriteOutput, err)
		}
	}

	if err := output.Flush(); err != nil {
		return errors.Join(ErrCouldNotFlushOutput, err)
	}

	return nil
}
