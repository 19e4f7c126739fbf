package document

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentChecksum digests document content for at-rest corruption detection.
func ContentChecksum(content string) string {
	digest := sha256.Sum256([]byte(content))
	return hex.EncodeToString(digest[:])
}
