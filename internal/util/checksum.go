package util

import (
	"encoding/hex"
	"fmt"
	"hash/crc32"
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// checksumPrefixLen is 8 hex digits plus a separating space
const checksumPrefixLen = 9

// ComputeChecksum computes a CRC32 (IEEE) checksum
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum reports whether data matches the expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// EncodeLine frames payload as "<crc32 hex> <payload>\n". The payload must
// not contain a newline.
func EncodeLine(payload []byte) []byte {
	line := make([]byte, 0, checksumPrefixLen+len(payload)+1)
	line = fmt.Appendf(line, "%08x ", ComputeChecksum(payload))
	line = append(line, payload...)
	return append(line, '\n')
}

// DecodeLine verifies a line produced by EncodeLine (without its trailing
// newline) and returns the payload.
func DecodeLine(line []byte) ([]byte, error) {
	if len(line) < checksumPrefixLen || line[checksumPrefixLen-1] != ' ' {
		return nil, fmt.Errorf("line too short or missing checksum")
	}

	var sum [4]byte
	if _, err := hex.Decode(sum[:], line[:checksumPrefixLen-1]); err != nil {
		return nil, fmt.Errorf("malformed checksum: %w", err)
	}
	expected := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])

	payload := line[checksumPrefixLen:]
	if !ValidateChecksum(payload, expected) {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return payload, nil
}
