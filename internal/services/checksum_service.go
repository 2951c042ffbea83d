package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"github.com/bracketsync/server/internal/models"
)

// ChecksumService computes and validates the SHA256 checksums that guard
// snapshot integrity
type ChecksumService struct {
	sha256Regex *regexp.Regexp
}

// NewChecksumService creates a new ChecksumService
func NewChecksumService() *ChecksumService {
	return &ChecksumService{
		sha256Regex: regexp.MustCompile(`^[a-f0-9]{64}$`),
	}
}

// Compute computes the SHA256 checksum of a reader
func (s *ChecksumService) Compute(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeBytes computes the SHA256 checksum of bytes
func (s *ChecksumService) ComputeBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ChecksumSnapshotData serializes snapshot data and returns its checksum
// along with the serialized bytes, so the stored checksum always covers
// exactly what validation will re-serialize
func (s *ChecksumService) ChecksumSnapshotData(data models.SnapshotData) (string, []byte, error) {
	serialized, err := json.Marshal(data)
	if err != nil {
		return "", nil, err
	}
	return s.ComputeBytes(serialized), serialized, nil
}

// Matches reports whether two checksum strings refer to the same digest
func (s *ChecksumService) Matches(a, b string) bool {
	return s.Normalize(a) == s.Normalize(b) && s.IsValid(a) && s.IsValid(b)
}

// Normalize normalizes a checksum string to lowercase hex
func (s *ChecksumService) Normalize(checksum string) string {
	normalized := strings.TrimSpace(checksum)

	// Remove "sha256:" prefix if present
	if strings.HasPrefix(strings.ToLower(normalized), "sha256:") {
		normalized = normalized[7:]
	}

	return strings.ToLower(normalized)
}

// IsValid checks if a string is a valid SHA256 checksum
func (s *ChecksumService) IsValid(checksum string) bool {
	if strings.TrimSpace(checksum) == "" {
		return false
	}

	normalized := s.Normalize(checksum)
	return s.sha256Regex.MatchString(normalized)
}
