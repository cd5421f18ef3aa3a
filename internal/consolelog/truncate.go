package consolelog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode/utf8"
)

// truncateMessage shortens msg so the result, marker included, is at most
// maxBytes. The marker carries the original size and a short hash of the full
// message; when maxBytes cannot hold it, only the rune-aligned prefix is kept.
func truncateMessage(msg string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(msg) <= maxBytes {
		return msg, false
	}
	sum := sha256.Sum256([]byte(msg))
	marker := fmt.Sprintf("… [truncated %d bytes, sha256 %s]", len(msg), hex.EncodeToString(sum[:4]))

	budget := maxBytes - len(marker)
	if budget < 0 {
		return msg[:runeCut(msg, maxBytes)], true
	}
	return msg[:runeCut(msg, budget)] + marker, true
}

// runeCut returns the largest n <= limit that does not split a rune.
func runeCut(s string, limit int) int {
	if limit >= len(s) {
		return len(s)
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return limit
}
