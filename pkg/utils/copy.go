package utils

import (
	"io"
	"os"
)

// CopyFile copies src to dst, truncating dst, and syncs it before returning.
func CopyFile(src, dst string) (int64, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}
	defer dstFile.Close()

	n, err := io.Copy(dstFile, srcFile)
	if err != nil {
		return 0, err
	}

	if err := dstFile.Sync(); err != nil {
		return 0, err
	}

	return n, nil
}

// RemoveIfExists removes path, treating an already absent file as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}
