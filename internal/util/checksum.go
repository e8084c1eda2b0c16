package util

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 (IEEE) checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum reports whether data matches the expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// FileChecksum computes the checksum of a file's contents
func FileChecksum(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := crc32.New(crc32Table)
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// VerifyFile reads path back and fails unless its contents match expected
func VerifyFile(path string, expected uint32) error {
	actual, err := FileChecksum(path)
	if err != nil {
		return fmt.Errorf("failed to read back %s: %w", path, err)
	}
	if actual != expected {
		return fmt.Errorf("checksum mismatch for %s: expected %08x, got %08x", path, expected, actual)
	}
	return nil
}
